package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocmt/relay/internal/snapshot"
)

func (s *Server) handleSnapshotPut(w http.ResponseWriter, r *http.Request) {
	var snap snapshot.Snapshot
	if err := decodeBody(r, &snap); err != nil {
		badRequest(w, "malformed snapshot")
		return
	}
	if snap.CapabilityID == "" || snap.EncryptedData == "" || snap.Signature == "" {
		badRequest(w, "capabilityId, encryptedData and signature are required")
		return
	}

	err := s.snapshots.Put(r.Context(), &snap)
	switch {
	case errors.Is(err, snapshot.ErrRevoked):
		writeError(w, http.StatusForbidden, "invalid_capability", "capability is revoked")
	case errors.Is(err, snapshot.ErrBadSignature):
		writeError(w, http.StatusForbidden, "invalid_capability", "snapshot signature invalid")
	case errors.Is(err, snapshot.ErrExpired):
		badRequest(w, "snapshot is already expired")
	case err != nil:
		// Stored-artifact writes fail closed, including on backend errors.
		s.logger.Printf("snapshot upsert failed for %s: %v", snap.CapabilityID, err)
		internalError(w)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"capabilityId": snap.CapabilityID, "status": "stored"})
	}
}

func (s *Server) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	capabilityID := mux.Vars(r)["capabilityId"]

	snap, err := s.snapshots.Get(r.Context(), capabilityID)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		notFound(w, "no snapshot for this capability")
	case err != nil:
		s.logger.Printf("snapshot get failed for %s: %v", capabilityID, err)
		internalError(w)
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	capabilityID := mux.Vars(r)["capabilityId"]

	err := s.snapshots.Delete(r.Context(), capabilityID)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		notFound(w, "no snapshot for this capability")
	case err != nil:
		s.logger.Printf("snapshot delete failed for %s: %v", capabilityID, err)
		internalError(w)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"capabilityId": capabilityID, "status": "deleted"})
	}
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	var req snapshot.ListRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "body must be {recipientPublicKey, timestamp, signature}")
		return
	}

	snaps, err := s.snapshots.List(r.Context(), &req)
	switch {
	case errors.Is(err, snapshot.ErrBadOwnershipProof):
		badRequest(w, "ownership proof invalid or stale")
	case err != nil:
		s.logger.Printf("snapshot list failed: %v", err)
		internalError(w)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":     len(snaps),
			"snapshots": snaps,
		})
	}
}
