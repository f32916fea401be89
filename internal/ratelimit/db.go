package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBLimiter keeps the window counters in relay_rate_limits so several relay
// instances sharing one Postgres agree on the quota. One round trip per
// check: the upsert resets the window when it has lapsed, otherwise
// increments, and returns the row either way.
type DBLimiter struct {
	db  *sql.DB
	cfg Config
}

func NewDBLimiter(db *sql.DB, cfg Config) *DBLimiter {
	return &DBLimiter{db: db, cfg: cfg.withDefaults()}
}

func (l *DBLimiter) Allow(ctx context.Context, containerID string) (Decision, error) {
	var count int
	var windowStart time.Time
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO relay_rate_limits (container_id, window_start, count)
		VALUES ($1, NOW(), 1)
		ON CONFLICT (container_id) DO UPDATE SET
			count = CASE
				WHEN relay_rate_limits.window_start < NOW() - make_interval(secs => $2) THEN 1
				ELSE relay_rate_limits.count + 1
			END,
			window_start = CASE
				WHEN relay_rate_limits.window_start < NOW() - make_interval(secs => $2) THEN NOW()
				ELSE relay_rate_limits.window_start
			END
		RETURNING count, window_start`,
		containerID, l.cfg.Window.Seconds()).Scan(&count, &windowStart)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit upsert: %w", err)
	}

	remaining := l.cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.cfg.Limit,
		Limit:     l.cfg.Limit,
		Remaining: remaining,
		Reset:     windowStart.Add(l.cfg.Window),
	}, nil
}

// Prune deletes rows whose window lapsed, keeping the table small.
func (l *DBLimiter) Prune(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM relay_rate_limits WHERE window_start < NOW() - make_interval(secs => $1)`,
		(2 * l.cfg.Window).Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	return res.RowsAffected()
}
