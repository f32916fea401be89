// Package sweeper runs the relay's background retention jobs: expiring
// stale pending messages, pruning expired revocation rows (with a Bloom
// rebuild), and dropping expired snapshots.
package sweeper

import (
	"context"
	"log"
	"time"
)

// MessageExpirer retires pending messages older than the cutoff.
type MessageExpirer interface {
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RevocationPruner drops rows whose original capability expiry has passed
// and rebuilds the advisory layers.
type RevocationPruner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// SnapshotPruner drops expired snapshots.
type SnapshotPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// RateLimitPruner drops lapsed rate-limit window rows.
type RateLimitPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Config sets the retention knobs. Zero values take the defaults.
type Config struct {
	MessageTTL      time.Duration // default 24h
	MessageInterval time.Duration // default 1h
	PruneInterval   time.Duration // default 24h
}

func (c Config) withDefaults() Config {
	if c.MessageTTL <= 0 {
		c.MessageTTL = 24 * time.Hour
	}
	if c.MessageInterval <= 0 {
		c.MessageInterval = time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 24 * time.Hour
	}
	return c
}

type Sweeper struct {
	messages    MessageExpirer
	revocations RevocationPruner
	snapshots   SnapshotPruner
	rateLimits  RateLimitPruner
	cfg         Config
	logger      *log.Logger
}

// New builds a sweeper. rateLimits may be nil when no shared counter table
// is in use.
func New(messages MessageExpirer, revocations RevocationPruner, snapshots SnapshotPruner,
	rateLimits RateLimitPruner, cfg Config) *Sweeper {
	return &Sweeper{
		messages:    messages,
		revocations: revocations,
		snapshots:   snapshots,
		rateLimits:  rateLimits,
		cfg:         cfg.withDefaults(),
		logger:      log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
	}
}

// Run blocks until ctx is cancelled, firing each job on its own ticker.
func (s *Sweeper) Run(ctx context.Context) {
	msgTicker := time.NewTicker(s.cfg.MessageInterval)
	pruneTicker := time.NewTicker(s.cfg.PruneInterval)
	defer msgTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-msgTicker.C:
			s.expireMessages(ctx)
		case <-pruneTicker.C:
			s.prune(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) expireMessages(ctx context.Context) {
	n, err := s.messages.ExpireOlderThan(ctx, time.Now().Add(-s.cfg.MessageTTL))
	if err != nil {
		s.logger.Printf("message expiry failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("expired %d stale pending messages", n)
	}
}

func (s *Sweeper) prune(ctx context.Context) {
	if n, err := s.revocations.CleanupExpired(ctx); err != nil {
		s.logger.Printf("revocation prune failed: %v", err)
	} else if n > 0 {
		s.logger.Printf("pruned %d expired revocations", n)
	}

	if n, err := s.snapshots.Prune(ctx); err != nil {
		s.logger.Printf("snapshot prune failed: %v", err)
	} else if n > 0 {
		s.logger.Printf("pruned %d expired snapshots", n)
	}

	if s.rateLimits != nil {
		if n, err := s.rateLimits.Prune(ctx); err != nil {
			s.logger.Printf("rate limit prune failed: %v", err)
		} else if n > 0 {
			s.logger.Printf("pruned %d lapsed rate limit windows", n)
		}
	}
}
