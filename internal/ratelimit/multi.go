package ratelimit

import "context"

// Multi layers independent limiters: the fast shared counter (Redis or
// in-process) and the longer-window Postgres counter both have to agree
// before a send goes through. The first denial wins; when all allow, the
// decision with the fewest remaining slots is reported so clients pace
// against the tightest quota.
type Multi struct {
	limiters []Limiter
}

func NewMulti(limiters ...Limiter) *Multi {
	return &Multi{limiters: limiters}
}

func (m *Multi) Allow(ctx context.Context, containerID string) (Decision, error) {
	var (
		tightest Decision
		have     bool
		lastErr  error
	)
	for _, l := range m.limiters {
		d, err := l.Allow(ctx, containerID)
		if err != nil {
			// A broken layer fails open; the others still apply.
			lastErr = err
			continue
		}
		if !d.Allowed {
			return d, nil
		}
		if !have || d.Remaining < tightest.Remaining {
			tightest = d
			have = true
		}
	}
	if !have {
		return Decision{}, lastErr
	}
	return tightest, nil
}
