// Package httpapi assembles the relay's HTTP surface under the /relay
// prefix: message ingress, revocation, snapshots, registry, health, and the
// WebSocket subscription upgrade.
package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocmt/relay/internal/auth"
	"github.com/ocmt/relay/internal/delivery"
	"github.com/ocmt/relay/internal/message"
	"github.com/ocmt/relay/internal/metrics"
	"github.com/ocmt/relay/internal/ratelimit"
	"github.com/ocmt/relay/internal/registry"
	"github.com/ocmt/relay/internal/revocation"
	"github.com/ocmt/relay/internal/snapshot"
)

const (
	maxBodyBytes    = 2 << 20 // request bodies
	maxPayloadBytes = 1 << 20 // the payload field inside them
	ackBatchMax     = 100
	batchCheckMax   = 1000
	lookupBatchMax  = 50
)

// Sender is the delivery engine surface the API uses.
type Sender interface {
	Send(ctx context.Context, from, to, payload string) (*delivery.Result, error)
	Forward(ctx context.Context, req *delivery.ForwardRequest) (*delivery.Result, error)
}

// MessageReader serves the poll/ack endpoints.
type MessageReader interface {
	ListPending(ctx context.Context, toContainer string, limit int) ([]*message.Message, error)
	AckBatch(ctx context.Context, toContainer string, messageIDs []string) (int64, error)
	Counts(ctx context.Context) (map[string]int, error)
}

// RevocationService is the revocation surface the API uses.
type RevocationService interface {
	Check(ctx context.Context, capabilityID string) revocation.CheckResult
	BatchCheck(ctx context.Context, capabilityIDs []string) (map[string]bool, string)
	Revoke(ctx context.Context, req *revocation.RevokeRequest) (*revocation.Record, error)
	Stats() map[string]interface{}
}

// SnapshotService is the snapshot surface the API uses.
type SnapshotService interface {
	Put(ctx context.Context, snap *snapshot.Snapshot) error
	Get(ctx context.Context, capabilityID string) (*snapshot.Snapshot, error)
	List(ctx context.Context, req *snapshot.ListRequest) ([]*snapshot.Snapshot, error)
	Delete(ctx context.Context, capabilityID string) error
}

// RegistryService is the registry surface the API uses.
type RegistryService interface {
	Register(ctx context.Context, req *registry.RegisterRequest) (*registry.PublicView, error)
	Update(ctx context.Context, req *registry.RegisterRequest) (*registry.PublicView, error)
	Get(ctx context.Context, containerID string) (*registry.PublicView, error)
	LookupByHash(ctx context.Context, pubKeyHash string) (*registry.PublicView, error)
	LookupByKeys(ctx context.Context, signingPubKeys []string) ([]*registry.PublicView, error)
	Deregister(ctx context.Context, containerID string) error
}

// ConnectionCounter reports live WebSocket connections for /health.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Auditor records sends the API layer rejects before they reach the
// delivery engine.
type Auditor interface {
	Delivery(ctx context.Context, messageID, from, to, outcome string, size int)
}

// Server holds the wired services and builds the router.
type Server struct {
	engine      Sender
	messages    MessageReader
	revocations RevocationService
	snapshots   SnapshotService
	registry    RegistryService
	conns       ConnectionCounter
	subscribe   http.HandlerFunc
	verifier    auth.TokenVerifier
	limiter     ratelimit.Limiter
	auditor     Auditor
	origins     []string
	logger      *log.Logger
	startedAt   time.Time
}

func NewServer(engine Sender, messages MessageReader, revocations RevocationService,
	snapshots SnapshotService, reg RegistryService, conns ConnectionCounter,
	subscribe http.HandlerFunc, verifier auth.TokenVerifier, limiter ratelimit.Limiter,
	auditor Auditor, allowedOrigins []string) *Server {
	return &Server{
		engine:      engine,
		messages:    messages,
		revocations: revocations,
		snapshots:   snapshots,
		registry:    reg,
		conns:       conns,
		subscribe:   subscribe,
		verifier:    verifier,
		limiter:     limiter,
		auditor:     auditor,
		origins:     allowedOrigins,
		logger:      log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		startedAt:   time.Now(),
	}
}

// Router builds the full /relay route tree.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(bodyLimitMiddleware)
	r.Use(observeMiddleware)

	relay := r.PathPrefix("/relay").Subrouter()

	// Unauthenticated surface.
	relay.HandleFunc("/health", s.handleHealth).Methods("GET")
	relay.HandleFunc("/subscribe", s.subscribe).Methods("GET")
	relay.HandleFunc("/revocation/{capabilityId}", s.handleRevocationStatus).Methods("GET")
	relay.HandleFunc("/check-revocations", s.handleCheckRevocations).Methods("POST")
	relay.HandleFunc("/revoke", s.handleRevoke).Methods("POST")
	relay.HandleFunc("/snapshots", s.handleSnapshotPut).Methods("POST")
	relay.HandleFunc("/snapshots/list", s.handleSnapshotList).Methods("POST")
	relay.HandleFunc("/snapshots/{capabilityId}", s.handleSnapshotGet).Methods("GET")
	relay.HandleFunc("/snapshots/{capabilityId}", s.handleSnapshotDelete).Methods("DELETE")
	relay.HandleFunc("/registry/lookup/{publicKeyHash}", s.handleLookupByHash).Methods("GET")
	relay.HandleFunc("/registry/lookup", s.handleLookupBatch).Methods("POST")

	// Container-authenticated surface.
	authed := relay.NewRoute().Subrouter()
	authed.Use(auth.Middleware(s.verifier))
	authed.HandleFunc("/messages/pending", s.handlePending).Methods("GET")
	authed.HandleFunc("/messages/ack", s.handleAck).Methods("POST")
	authed.HandleFunc("/registry/register", s.handleRegister).Methods("POST")
	authed.HandleFunc("/registry/update", s.handleRegistryUpdate).Methods("PATCH")
	authed.HandleFunc("/registry", s.handleRegistryGet).Methods("GET")
	authed.HandleFunc("/registry", s.handleDeregister).Methods("DELETE")

	// Sending is additionally rate limited per sender.
	sending := authed.NewRoute().Subrouter()
	sending.Use(ratelimit.Middleware(s.limiter, auth.ContainerID, s.auditRateLimited))
	sending.HandleFunc("/send", s.handleSend).Methods("POST")
	sending.HandleFunc("/forward", s.handleForward).Methods("POST")

	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

// auditRateLimited leaves an audit row for each 429'd send. The quota tripped
// before any recipient or payload was parsed, so only the sender is known.
func (s *Server) auditRateLimited(r *http.Request, containerID string) {
	s.auditor.Delivery(r.Context(), "", containerID, "", "rate_limited", 0)
}

// corsMiddleware applies the explicit origin allow-list. No wildcard
// fallback: an origin not on the list gets no CORS headers at all.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.origins))
	for _, o := range s.origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Container-Id")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// observeMiddleware feeds the request-duration histogram.
func observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.RequestDuration.WithLabelValues(route,
			strconv.Itoa(rec.status/100)+"xx").Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the underlying writer so the WebSocket upgrade on
// /relay/subscribe works through the middleware chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
