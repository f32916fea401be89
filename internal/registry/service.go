package registry

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/ocmt/relay/internal/callback"
	"github.com/ocmt/relay/internal/relaycrypto"
)

var (
	// ErrBadSigningKey is returned when the signing key is not a 32-byte
	// Ed25519 key.
	ErrBadSigningKey = errors.New("signing key must be 32 raw Ed25519 bytes")

	// ErrBadChallenge is returned when the challenge signature does not prove
	// possession of the signing key.
	ErrBadChallenge = errors.New("challenge signature invalid")

	// ErrNotFound is returned for unknown containers or hashes.
	ErrNotFound = errors.New("registration not found")
)

// RegisterRequest carries a registration or key-rotating update. Signature is
// Ed25519 over the raw challenge bytes under SigningPubKey.
type RegisterRequest struct {
	ContainerID      string
	SigningPubKey    string // base64 raw 32 bytes
	EncryptionPubKey string // base64, optional
	CallbackURL      string // optional
	Challenge        string
	Signature        string // base64
}

// PublicView is what lookups expose. Callback URLs stay private so the
// registry cannot be used to probe for live endpoints.
type PublicView struct {
	ContainerID      string    `json:"containerId"`
	SigningPubKey    string    `json:"signingPublicKey"`
	EncryptionPubKey string    `json:"encryptionPublicKey,omitempty"`
	PubKeyHash       string    `json:"publicKeyHash"`
	RegisteredAt     time.Time `json:"registeredAt"`
}

func publicView(reg *Registration) *PublicView {
	return &PublicView{
		ContainerID:      reg.ContainerID,
		SigningPubKey:    reg.SigningPubKey,
		EncryptionPubKey: reg.EncryptionPubKey,
		PubKeyHash:       reg.PubKeyHash,
		RegisteredAt:     reg.CreatedAt,
	}
}

// Service wraps the store with the proof-of-possession and URL policies.
type Service struct {
	store  *Store
	logger *log.Logger
}

func NewService(store *Store) *Service {
	return &Service{
		store:  store,
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// Register validates and upserts a registration. The pub key hash is always
// recomputed server-side; a client-supplied hash is never trusted.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*PublicView, error) {
	pub, err := base64.StdEncoding.DecodeString(req.SigningPubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrBadSigningKey
	}

	if !relaycrypto.VerifyBase64(req.SigningPubKey, []byte(req.Challenge), req.Signature) {
		return nil, ErrBadChallenge
	}

	if req.CallbackURL != "" {
		if err := callback.ValidateCallbackURL(req.CallbackURL); err != nil {
			return nil, err
		}
	}

	reg := &Registration{
		ContainerID:      req.ContainerID,
		SigningPubKey:    req.SigningPubKey,
		EncryptionPubKey: req.EncryptionPubKey,
		PubKeyHash:       relaycrypto.PubKeyHash(pub),
		CallbackURL:      req.CallbackURL,
	}
	if err := s.store.Upsert(ctx, reg); err != nil {
		return nil, err
	}

	stored, err := s.store.GetByContainerID(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Registered container %s (hash=%s)", req.ContainerID, reg.PubKeyHash)
	return publicView(stored), nil
}

// Update rotates key material or the callback URL. Key changes require a
// fresh challenge proof with the new key, so Update shares Register's path.
func (s *Service) Update(ctx context.Context, req *RegisterRequest) (*PublicView, error) {
	existing, err := s.store.GetByContainerID(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}

	// Carry forward fields the caller left empty.
	if req.SigningPubKey == "" {
		req.SigningPubKey = existing.SigningPubKey
	}
	if req.EncryptionPubKey == "" {
		req.EncryptionPubKey = existing.EncryptionPubKey
	}
	if req.CallbackURL == "" {
		req.CallbackURL = existing.CallbackURL
	}
	return s.Register(ctx, req)
}

// Get returns a container's own registration (public fields only).
func (s *Service) Get(ctx context.Context, containerID string) (*PublicView, error) {
	reg, err := s.store.GetByContainerID(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, ErrNotFound
	}
	return publicView(reg), nil
}

// LookupByHash resolves a 32-hex-char discovery hash.
func (s *Service) LookupByHash(ctx context.Context, pubKeyHash string) (*PublicView, error) {
	reg, err := s.store.GetByPubKeyHash(ctx, pubKeyHash)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, ErrNotFound
	}
	return publicView(reg), nil
}

// LookupByKeys batch-resolves full signing keys.
func (s *Service) LookupByKeys(ctx context.Context, signingPubKeys []string) ([]*PublicView, error) {
	regs, err := s.store.GetBySigningKeys(ctx, signingPubKeys)
	if err != nil {
		return nil, err
	}
	views := make([]*PublicView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, publicView(reg))
	}
	return views, nil
}

// Deregister removes a container's registration.
func (s *Service) Deregister(ctx context.Context, containerID string) error {
	n, err := s.store.Delete(ctx, containerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether a container is registered; the delivery pipeline
// uses this before accepting a message.
func (s *Service) Exists(ctx context.Context, containerID string) (bool, error) {
	reg, err := s.store.GetByContainerID(ctx, containerID)
	if err != nil {
		return false, err
	}
	return reg != nil, nil
}

// CallbackURL exposes the private dispatch URL to the delivery engine only.
// Empty when the container has not registered one.
func (s *Service) CallbackURL(ctx context.Context, containerID string) (string, error) {
	reg, err := s.store.GetByContainerID(ctx, containerID)
	if err != nil {
		return "", err
	}
	if reg == nil {
		return "", ErrNotFound
	}
	return reg.CallbackURL, nil
}
