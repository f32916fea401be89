package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocmt/relay/internal/metrics"
	"github.com/ocmt/relay/internal/revocation"
)

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revocation.RevokeRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed revocation envelope")
		return
	}
	if req.CapabilityID == "" || req.RevokedBy == "" || req.Signature == "" || req.Timestamp == 0 {
		badRequest(w, "capabilityId, revokedBy, timestamp and signature are required")
		return
	}

	rec, err := s.revocations.Revoke(r.Context(), &req)
	switch {
	case errors.Is(err, revocation.ErrReplayWindow):
		badRequest(w, "timestamp outside the accepted window")
	case errors.Is(err, revocation.ErrBadSignature):
		writeError(w, http.StatusForbidden, "invalid_capability", "revocation signature invalid")
	case err != nil:
		s.logger.Printf("revoke failed for %s: %v", req.CapabilityID, err)
		internalError(w)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"revoked":      true,
			"capabilityId": rec.CapabilityID,
			"revokedAt":    rec.RevokedAt.UTC().Format(time.RFC3339),
		})
	}
}

type revocationStatus struct {
	Revoked   bool   `json:"revoked"`
	RevokedAt string `json:"revokedAt,omitempty"`
	RevokedBy string `json:"revokedBy,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Source    string `json:"source"`
}

func (s *Server) handleRevocationStatus(w http.ResponseWriter, r *http.Request) {
	capabilityID := mux.Vars(r)["capabilityId"]

	res := s.revocations.Check(r.Context(), capabilityID)
	metrics.RevocationChecks.WithLabelValues(string(res.Source)).Inc()

	out := revocationStatus{
		Revoked:   res.Revoked,
		RevokedBy: res.RevokedBy,
		Reason:    res.Reason,
		Source:    string(res.Source),
	}
	if res.RevokedAt != nil {
		out.RevokedAt = res.RevokedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

type batchCheckRequest struct {
	CapabilityIDs []string `json:"capabilityIds"`
}

func (s *Server) handleCheckRevocations(w http.ResponseWriter, r *http.Request) {
	var req batchCheckRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "body must be {capabilityIds}")
		return
	}
	if len(req.CapabilityIDs) == 0 || len(req.CapabilityIDs) > batchCheckMax {
		badRequest(w, "capabilityIds must contain 1-1000 ids")
		return
	}

	results, source := s.revocations.BatchCheck(r.Context(), req.CapabilityIDs)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"source":  source,
	})
}
