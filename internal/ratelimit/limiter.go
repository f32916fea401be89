// Package ratelimit enforces the per-container fixed-window message quota.
// Three backends share one Limiter interface: Redis when available, Postgres
// when multiple relay instances share a database, and an in-process window
// map as the always-available fallback.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Decision is the outcome of one quota check, with everything the HTTP
// layer needs for the RateLimit-* response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter answers whether a container may send one more message this window.
type Limiter interface {
	Allow(ctx context.Context, containerID string) (Decision, error)
}

// Config defines the window shape. Zero values take the defaults.
type Config struct {
	Limit  int           // messages per window, default 100
	Window time.Duration // default 1 minute
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

type localWindow struct {
	count       int
	windowStart time.Time
}

// LocalLimiter is the in-process fallback. Windows live in a map guarded by
// a RWMutex; the common case (active window) only takes the read lock.
type LocalLimiter struct {
	mu      sync.RWMutex
	windows map[string]*localWindow
	cfg     Config
	logger  *log.Logger
}

func NewLocalLimiter(cfg Config) *LocalLimiter {
	l := &LocalLimiter{
		windows: make(map[string]*localWindow),
		cfg:     cfg.withDefaults(),
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go l.cleanup()
	return l
}

func (l *LocalLimiter) Allow(_ context.Context, containerID string) (Decision, error) {
	now := time.Now()

	// Fast path: active window under read lock. The count increment races
	// slightly, which is acceptable for a soft quota.
	l.mu.RLock()
	w, ok := l.windows[containerID]
	if ok && now.Sub(w.windowStart) < l.cfg.Window {
		w.count++
		count := w.count
		start := w.windowStart
		l.mu.RUnlock()
		return l.decision(count, start), nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-check: another goroutine may have opened the window.
	w, ok = l.windows[containerID]
	if ok && now.Sub(w.windowStart) < l.cfg.Window {
		w.count++
		return l.decision(w.count, w.windowStart), nil
	}

	l.windows[containerID] = &localWindow{count: 1, windowStart: now}
	return l.decision(1, now), nil
}

func (l *LocalLimiter) decision(count int, windowStart time.Time) Decision {
	remaining := l.cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.cfg.Limit,
		Limit:     l.cfg.Limit,
		Remaining: remaining,
		Reset:     windowStart.Add(l.cfg.Window),
	}
}

func (l *LocalLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := time.Now()
		for key, w := range l.windows {
			if now.Sub(w.windowStart) > 2*l.cfg.Window {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}

// ActiveWindows reports how many containers have an open window.
func (l *LocalLimiter) ActiveWindows() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}
