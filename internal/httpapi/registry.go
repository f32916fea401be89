package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocmt/relay/internal/auth"
	"github.com/ocmt/relay/internal/registry"
)

type registerRequest struct {
	SigningPublicKey    string `json:"signingPublicKey"`
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
	CallbackURL         string `json:"callbackUrl,omitempty"`
	Challenge           string `json:"challenge"`
	Signature           string `json:"signature"`
}

func (s *Server) registryRequest(r *http.Request, req *registerRequest) *registry.RegisterRequest {
	return &registry.RegisterRequest{
		ContainerID:      auth.ContainerID(r),
		SigningPubKey:    req.SigningPublicKey,
		EncryptionPubKey: req.EncryptionPublicKey,
		CallbackURL:      req.CallbackURL,
		Challenge:        req.Challenge,
		Signature:        req.Signature,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed registration")
		return
	}
	if req.SigningPublicKey == "" || req.Challenge == "" || req.Signature == "" {
		badRequest(w, "signingPublicKey, challenge and signature are required")
		return
	}

	view, err := s.registry.Register(r.Context(), s.registryRequest(r, &req))
	s.writeRegistryResult(w, view, err)
}

// handleRegistryUpdate rotates key material or the callback URL. A new
// signing key needs a fresh challenge proof, same as registering.
func (s *Server) handleRegistryUpdate(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "malformed update")
		return
	}
	if req.Challenge == "" || req.Signature == "" {
		badRequest(w, "challenge and signature are required")
		return
	}

	view, err := s.registry.Update(r.Context(), s.registryRequest(r, &req))
	s.writeRegistryResult(w, view, err)
}

func (s *Server) writeRegistryResult(w http.ResponseWriter, view *registry.PublicView, err error) {
	switch {
	case errors.Is(err, registry.ErrBadSigningKey):
		badRequest(w, "signingPublicKey must be 32 raw Ed25519 bytes, base64 encoded")
	case errors.Is(err, registry.ErrBadChallenge):
		writeError(w, http.StatusForbidden, "invalid_capability", "challenge signature invalid")
	case errors.Is(err, registry.ErrNotFound):
		notFound(w, "container is not registered")
	case err != nil:
		// Covers the SSRF policy rejections too; the detail names the rule
		// without echoing the URL.
		badRequest(w, "callback URL rejected: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleRegistryGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.registry.Get(r.Context(), auth.ContainerID(r))
	if errors.Is(err, registry.ErrNotFound) {
		notFound(w, "container is not registered")
		return
	}
	if err != nil {
		s.logger.Printf("registry get failed: %v", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Deregister(r.Context(), auth.ContainerID(r))
	if errors.Is(err, registry.ErrNotFound) {
		notFound(w, "container is not registered")
		return
	}
	if err != nil {
		s.logger.Printf("deregister failed: %v", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleLookupByHash(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["publicKeyHash"]
	if len(hash) != 32 {
		badRequest(w, "publicKeyHash must be 32 hex characters")
		return
	}

	view, err := s.registry.LookupByHash(r.Context(), hash)
	if errors.Is(err, registry.ErrNotFound) {
		notFound(w, "no container with this key hash")
		return
	}
	if err != nil {
		s.logger.Printf("lookup by hash failed: %v", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type lookupBatchRequest struct {
	SigningPublicKeys []string `json:"signingPublicKeys"`
}

func (s *Server) handleLookupBatch(w http.ResponseWriter, r *http.Request) {
	var req lookupBatchRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "body must be {signingPublicKeys}")
		return
	}
	if len(req.SigningPublicKeys) == 0 || len(req.SigningPublicKeys) > lookupBatchMax {
		badRequest(w, "signingPublicKeys must contain 1-50 keys")
		return
	}

	views, err := s.registry.LookupByKeys(r.Context(), req.SigningPublicKeys)
	if err != nil {
		s.logger.Printf("batch lookup failed: %v", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(views),
		"containers": views,
	})
}
