package ratelimit

import (
	"context"
	"log"
	"time"
)

// RedisClient is the minimal command surface the Redis limiter needs. The
// go-redis adapter in internal/infra satisfies it.
type RedisClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisLimiter counts in Redis so the quota holds across relay instances.
// On Redis errors it silently defers to the local fallback; a degraded
// counter must not take message delivery down with it.
type RedisLimiter struct {
	client   RedisClient
	fallback *LocalLimiter
	cfg      Config
	logger   *log.Logger
}

func NewRedisLimiter(client RedisClient, cfg Config) *RedisLimiter {
	cfg = cfg.withDefaults()
	return &RedisLimiter{
		client:   client,
		fallback: NewLocalLimiter(cfg),
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, containerID string) (Decision, error) {
	key := "relay:ratelimit:" + containerID

	count, err := l.client.Incr(ctx, key)
	if err != nil {
		l.logger.Printf("Redis unavailable, using local window: %v", err)
		return l.fallback.Allow(ctx, containerID)
	}

	if count == 1 {
		// First hit in this window. The expiry doubles the window so a lost
		// EXPIRE cannot leave the key immortal.
		if err := l.client.Expire(ctx, key, 2*l.cfg.Window); err != nil {
			l.logger.Printf("Redis EXPIRE failed for %s: %v", key, err)
		}
	}

	reset := time.Now().Add(l.cfg.Window)
	if ttl, err := l.client.TTL(ctx, key); err == nil && ttl > 0 && ttl < l.cfg.Window {
		reset = time.Now().Add(ttl)
	}

	remaining := l.cfg.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= l.cfg.Limit,
		Limit:     l.cfg.Limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}
