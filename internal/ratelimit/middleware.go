package ratelimit

import (
	"log"
	"net/http"
	"strconv"
	"time"
)

// ContainerIDFunc extracts the quota key from the request. The auth layer
// stashes the authenticated container id on the request context.
type ContainerIDFunc func(r *http.Request) string

// DenyFunc is called once per rejected request, after the 429 is decided.
// The API layer uses it to write the audit row for the rejection.
type DenyFunc func(r *http.Request, containerID string)

// Middleware enforces the quota on message-sending routes. Backend errors
// fail open: a broken counter must not block delivery. onDeny may be nil.
func Middleware(limiter Limiter, containerID ContainerIDFunc, onDeny DenyFunc) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := containerID(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(r.Context(), id)
			if err != nil {
				logger.Printf("rate limit check failed for %s, allowing: %v", id, err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

			if !d.Allowed {
				if onDeny != nil {
					onDeny(r, id)
				}
				retryAfter := int(time.Until(d.Reset).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limited","message":"message quota exceeded for this window"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
