package snapshot

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ocmt/relay/internal/relaycrypto"
)

var (
	// ErrRevoked is returned when the snapshot's capability has been revoked.
	ErrRevoked = errors.New("capability revoked")

	// ErrBadSignature is returned when the issuer signature over the
	// ciphertext envelope does not verify.
	ErrBadSignature = errors.New("snapshot signature invalid")

	// ErrExpired is returned for snapshots whose expiry is not in the future.
	ErrExpired = errors.New("snapshot expired")

	// ErrBadOwnershipProof is returned when a list request's signature does
	// not prove possession of the recipient key.
	ErrBadOwnershipProof = errors.New("ownership proof invalid")

	// ErrNotFound is returned by Get when no live snapshot exists.
	ErrNotFound = errors.New("snapshot not found")
)

// listProofWindow bounds the age of a signed list request.
const listProofWindow = 5 * time.Minute

// RevocationChecker is the strict (fail-closed) revocation gate. A returned
// error must abort the snapshot operation.
type RevocationChecker interface {
	CheckStrict(ctx context.Context, capabilityID string) (bool, error)
}

// ListRequest proves ownership of a recipient key: the signature covers the
// canonical form of {action:"list-snapshots", recipientPublicKey, timestamp}.
type ListRequest struct {
	RecipientPubKey string `json:"recipientPublicKey"`
	Timestamp       int64  `json:"timestamp"`
	Signature       string `json:"signature"`
}

// Service enforces the snapshot policies in front of the store.
type Service struct {
	store       *Store
	revocations RevocationChecker
	logger      *log.Logger
}

func NewService(store *Store, revocations RevocationChecker) *Service {
	return &Service{
		store:       store,
		revocations: revocations,
		logger:      log.New(log.Writer(), "[SNAPSHOT] ", log.LstdFlags),
	}
}

// signedEnvelope is the byte string the issuer signs when pinning a snapshot.
func signedEnvelope(snap *Snapshot) []byte {
	return []byte(snap.CapabilityID + ":" + snap.EncryptedData + ":" + snap.EphemeralPubKey)
}

// Put stores a snapshot after the revocation gate (fail closed), the issuer
// signature check, and the expiry check.
func (s *Service) Put(ctx context.Context, snap *Snapshot) error {
	revoked, err := s.revocations.CheckStrict(ctx, snap.CapabilityID)
	if err != nil {
		return err
	}
	if revoked {
		return ErrRevoked
	}

	if !relaycrypto.VerifyBase64(snap.IssuerPubKey, signedEnvelope(snap), snap.Signature) {
		return ErrBadSignature
	}

	now := time.Now()
	if !snap.ExpiresAt.After(now) {
		return ErrExpired
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}

	return s.store.Upsert(ctx, snap)
}

// Get returns a live snapshot. Revoked rows are deleted on sight; a store
// failure during the revocation check fails closed.
func (s *Service) Get(ctx context.Context, capabilityID string) (*Snapshot, error) {
	revoked, err := s.revocations.CheckStrict(ctx, capabilityID)
	if err != nil {
		return nil, err
	}
	if revoked {
		if _, err := s.store.DeleteByCapabilityID(ctx, capabilityID); err != nil {
			s.logger.Printf("Delete-on-sight failed for %s: %v", capabilityID, err)
		}
		return nil, ErrNotFound
	}

	snap, err := s.store.GetByCapabilityID(ctx, capabilityID)
	if err != nil {
		return nil, err
	}
	if snap == nil || !snap.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	return snap, nil
}

// List returns a recipient's snapshots after verifying the ownership proof.
// Rows whose capability is revoked are deleted and omitted, which keeps the
// endpoint useless for enumeration.
func (s *Service) List(ctx context.Context, req *ListRequest) ([]*Snapshot, error) {
	now := time.Now()
	age := now.Unix() - req.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > listProofWindow {
		return nil, ErrBadOwnershipProof
	}

	envelope := map[string]interface{}{
		"action":             "list-snapshots",
		"recipientPublicKey": req.RecipientPubKey,
		"timestamp":          req.Timestamp,
	}
	signed, err := relaycrypto.CanonicalJSON(envelope)
	if err != nil {
		return nil, err
	}
	if !relaycrypto.VerifyBase64(req.RecipientPubKey, signed, req.Signature) {
		return nil, ErrBadOwnershipProof
	}

	snaps, err := s.store.ListByRecipient(ctx, req.RecipientPubKey, now)
	if err != nil {
		return nil, err
	}

	live := snaps[:0]
	for _, snap := range snaps {
		revoked, err := s.revocations.CheckStrict(ctx, snap.CapabilityID)
		if err != nil {
			return nil, err
		}
		if revoked {
			if _, err := s.store.DeleteByCapabilityID(ctx, snap.CapabilityID); err != nil {
				s.logger.Printf("Delete-on-sight failed for %s: %v", snap.CapabilityID, err)
			}
			continue
		}
		live = append(live, snap)
	}
	return live, nil
}

// Delete removes a snapshot explicitly.
func (s *Service) Delete(ctx context.Context, capabilityID string) error {
	n, err := s.store.DeleteByCapabilityID(ctx, capabilityID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune removes expired rows; called by the background sweeper.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, time.Now())
}
