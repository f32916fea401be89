package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/ocmt/relay/internal/agentclient"
	"github.com/ocmt/relay/internal/audit"
	"github.com/ocmt/relay/internal/auth"
	"github.com/ocmt/relay/internal/callback"
	"github.com/ocmt/relay/internal/config"
	"github.com/ocmt/relay/internal/delivery"
	"github.com/ocmt/relay/internal/httpapi"
	"github.com/ocmt/relay/internal/infra"
	"github.com/ocmt/relay/internal/message"
	"github.com/ocmt/relay/internal/metrics"
	"github.com/ocmt/relay/internal/push"
	"github.com/ocmt/relay/internal/ratelimit"
	"github.com/ocmt/relay/internal/registry"
	"github.com/ocmt/relay/internal/revocation"
	"github.com/ocmt/relay/internal/snapshot"
	"github.com/ocmt/relay/internal/sweeper"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Database open failed: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	// Stores and services.
	messages := message.NewStore(db)
	auditLog := audit.NewLogger(db)

	revocations := revocation.NewService(revocation.NewStore(db))
	if err := revocations.Load(ctx); err != nil {
		log.Fatalf("Revocation bloom build failed: %v", err)
	}

	snapshots := snapshot.NewService(snapshot.NewStore(db), revocations)
	revocations.SetSnapshotCascader(snapshot.NewStore(db))
	revocations.SetMeshAuditor(auditLog)

	registrySvc := registry.NewService(registry.NewStore(db))
	verifier := auth.NewDBVerifier(db)

	// Rate limiting: a fast shared counter (Redis when configured and
	// reachable, else in-process) layered with the Postgres hourly counter.
	rlCfg := ratelimit.Config{
		Limit:  cfg.RateLimit.MessagesPerWindow,
		Window: cfg.RateLimit.Window,
	}
	var fast ratelimit.Limiter = ratelimit.NewLocalLimiter(rlCfg)
	if cfg.Redis.Addr != "" {
		if rdb, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			log.Printf("Redis unavailable, using in-process rate limiting: %v", err)
		} else {
			defer rdb.Close()
			fast = ratelimit.NewRedisLimiter(rdb, rlCfg)
		}
	}
	dbLimiter := ratelimit.NewDBLimiter(db, ratelimit.Config{
		Limit:  cfg.RateLimit.MessagesPerHour,
		Window: time.Hour,
	})
	limiter := ratelimit.NewMulti(fast, dbLimiter)

	// Delivery pipeline.
	hub := push.NewHub(messages, verifier, cfg.Server.Env, cfg.Server.AllowedOrigins)
	metrics.RegisterLiveConnections(hub.ConnectionCount)

	agents := agentclient.New(cfg.Agent.ServerURL, cfg.Agent.Token)
	forwarder := callback.NewForwarder(cfg.Forward.Timeout, cfg.Forward.MaxRetries)
	engine := delivery.NewEngine(registrySvc, messages, hub, forwarder, agents, auditLog, revocations)

	api := httpapi.NewServer(engine, messages, revocations, snapshots, registrySvc,
		hub, hub.HandleSubscribe, verifier, limiter, auditLog, cfg.Server.AllowedOrigins)

	// Retention jobs.
	sweep := sweeper.New(messages, revocations, snapshots, dbLimiter, sweeper.Config{
		MessageTTL: cfg.Retention.MessageTTL,
	})
	go sweep.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Relay listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown incomplete: %v", err)
	}
}
