package httpapi

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"status":          "ok",
		"uptimeSeconds":   int(time.Since(s.startedAt).Seconds()),
		"liveConnections": s.conns.ConnectionCount(),
		"revocations":     s.revocations.Stats(),
	}

	// Message counters are informative; a slow count query must not flip
	// liveness.
	if counts, err := s.messages.Counts(r.Context()); err == nil {
		out["messages"] = counts
	}

	writeJSON(w, http.StatusOK, out)
}
