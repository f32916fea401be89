package revocation

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/ocmt/relay/internal/relaycrypto"
)

// CheckSource tells the caller which layer answered a revocation check.
type CheckSource string

const (
	SourceBloom    CheckSource = "bloom-filter"
	SourceCache    CheckSource = "cache"
	SourceDatabase CheckSource = "database"
	SourceError    CheckSource = "error"
)

// replayWindow bounds how old (or future-dated) a signed revocation request
// may be. Exactly at the boundary is still accepted.
const replayWindow = 5 * time.Minute

var (
	// ErrReplayWindow is returned when a revocation request timestamp is
	// outside the accepted window.
	ErrReplayWindow = errors.New("revocation timestamp outside replay window")

	// ErrBadSignature is returned when the revoke envelope signature does not
	// verify under the revoking key.
	ErrBadSignature = errors.New("revocation signature invalid")
)

// CheckResult is the answer to an interactive revocation check.
type CheckResult struct {
	Revoked   bool
	RevokedAt *time.Time
	RevokedBy string
	Reason    string
	Source    CheckSource
	Warning   string
}

// RevokeRequest is the signed envelope a capability issuer submits.
type RevokeRequest struct {
	CapabilityID   string `json:"capabilityId"`
	RevokedBy      string `json:"revokedBy"` // base64 Ed25519 public key
	Reason         string `json:"reason,omitempty"`
	OriginalExpiry *int64 `json:"originalExpiry,omitempty"` // unix seconds
	Timestamp      int64  `json:"timestamp"`                // unix seconds
	Signature      string `json:"signature"`
}

// SnapshotCascader removes cached snapshots for a revoked capability. The
// snapshot store implements this; the indirection keeps the packages from
// importing each other.
type SnapshotCascader interface {
	DeleteByCapabilityID(ctx context.Context, capabilityID string) (int64, error)
}

// MeshAuditor receives capability lifecycle events for the shared mesh audit
// stream.
type MeshAuditor interface {
	CapabilityRevoked(ctx context.Context, capabilityID, revokedBy, reason string)
}

// Service layers the Bloom filter and cache over the authoritative store.
// The filter pointer is swapped atomically on rebuild so checks never lock
// against the sweeper.
type Service struct {
	store     *Store
	bloom     atomic.Pointer[BloomFilter]
	cache     *resultCache
	snapshots SnapshotCascader
	mesh      MeshAuditor
	logger    *log.Logger
}

func NewService(store *Store) *Service {
	s := &Service{
		store:  store,
		cache:  newResultCache(defaultCacheCap),
		logger: log.New(log.Writer(), "[REVOCATION] ", log.LstdFlags),
	}
	s.bloom.Store(NewBloomFilter(defaultExpectedItems, defaultFalsePositive))
	return s
}

func (s *Service) filter() *BloomFilter { return s.bloom.Load() }

// SetSnapshotCascader wires the snapshot cascade; optional.
func (s *Service) SetSnapshotCascader(c SnapshotCascader) { s.snapshots = c }

// SetMeshAuditor wires the mesh audit sink; optional.
func (s *Service) SetMeshAuditor(m MeshAuditor) { s.mesh = m }

// Load rebuilds the Bloom filter from the authoritative table. Called at
// startup and after expiry sweeps.
func (s *Service) Load(ctx context.Context) error {
	ids, err := s.store.GetAllCapabilityIDs(ctx)
	if err != nil {
		return err
	}

	fresh := NewBloomFilter(defaultExpectedItems, defaultFalsePositive)
	for _, id := range ids {
		fresh.Add(id)
	}
	s.bloom.Store(fresh)
	s.logger.Printf("Bloom filter rebuilt: %d revocations, %d bits", len(ids), fresh.BitSize())
	return nil
}

// Check is the interactive fast path used by forward. Bloom "no" answers
// without I/O; on store failure it FAILS OPEN — replaying an
// already-delivered capability is preferable to refusing all traffic.
func (s *Service) Check(ctx context.Context, capabilityID string) CheckResult {
	if !s.filter().MayContain(capabilityID) {
		return CheckResult{Revoked: false, Source: SourceBloom}
	}

	if cached, ok := s.cache.get(capabilityID); ok {
		res := CheckResult{Revoked: cached.Revoked, Source: SourceCache}
		if cached.Revoked {
			at := cached.RevokedAt
			res.RevokedAt = &at
			res.RevokedBy = cached.RevokedBy
			res.Reason = cached.Reason
		}
		return res
	}

	rec, err := s.store.FindByCapabilityID(ctx, capabilityID)
	if err != nil {
		s.logger.Printf("Store lookup failed for %s, failing open: %v", capabilityID, err)
		return CheckResult{Revoked: false, Source: SourceError, Warning: "database unavailable"}
	}

	if rec == nil {
		s.cache.put(capabilityID, cachedResult{Revoked: false})
		return CheckResult{Revoked: false, Source: SourceDatabase}
	}

	s.cache.put(capabilityID, cachedResult{
		Revoked:   true,
		RevokedAt: rec.RevokedAt,
		RevokedBy: rec.IssuerPubKey,
		Reason:    rec.Reason,
	})
	at := rec.RevokedAt
	return CheckResult{
		Revoked:   true,
		RevokedAt: &at,
		RevokedBy: rec.IssuerPubKey,
		Reason:    rec.Reason,
		Source:    SourceDatabase,
	}
}

// CheckStrict guards stored artifacts (snapshot writes and reads). Bloom "no"
// still short-circuits, but a store failure FAILS CLOSED: persisting or
// handing out a snapshot for a revoked capability is worse than a 5xx.
func (s *Service) CheckStrict(ctx context.Context, capabilityID string) (bool, error) {
	if !s.filter().MayContain(capabilityID) {
		return false, nil
	}
	return s.store.IsRevoked(ctx, capabilityID)
}

// BatchCheck resolves up to the caller's cap of ids in one pass: Bloom first,
// one store query for the maybes. On store failure the maybes fail open and
// the warning is set.
func (s *Service) BatchCheck(ctx context.Context, capabilityIDs []string) (map[string]bool, string) {
	results := make(map[string]bool, len(capabilityIDs))
	var maybes []string
	for _, id := range capabilityIDs {
		if s.filter().MayContain(id) {
			maybes = append(maybes, id)
		} else {
			results[id] = false
		}
	}
	if len(maybes) == 0 {
		return results, ""
	}

	revoked, err := s.store.BatchCheckRevoked(ctx, maybes)
	if err != nil {
		s.logger.Printf("Batch check failed for %d ids, failing open: %v", len(maybes), err)
		for _, id := range maybes {
			results[id] = false
		}
		return results, "database unavailable"
	}
	for _, id := range maybes {
		results[id] = revoked[id]
	}
	return results, ""
}

// Revoke verifies and persists a revocation, then updates the advisory layers
// and cascades to cached snapshots. Persist happens first: a crash before the
// Bloom add is repaired by the startup rebuild.
func (s *Service) Revoke(ctx context.Context, req *RevokeRequest) (*Record, error) {
	now := time.Now()
	age := now.Unix() - req.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > replayWindow {
		return nil, ErrReplayWindow
	}

	envelope := map[string]interface{}{
		"action":         "revoke",
		"capabilityId":   req.CapabilityID,
		"revokedBy":      req.RevokedBy,
		"reason":         req.Reason,
		"originalExpiry": req.OriginalExpiry,
		"timestamp":      req.Timestamp,
	}
	signed, err := relaycrypto.CanonicalJSON(envelope)
	if err != nil {
		return nil, err
	}
	if !relaycrypto.VerifyBase64(req.RevokedBy, signed, req.Signature) {
		return nil, ErrBadSignature
	}

	rec := &Record{
		CapabilityID: req.CapabilityID,
		IssuerPubKey: req.RevokedBy,
		Reason:       req.Reason,
		RevokedAt:    now,
		Signature:    req.Signature,
	}
	if req.OriginalExpiry != nil {
		t := time.Unix(*req.OriginalExpiry, 0)
		rec.OriginalExpiry = &t
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.filter().Add(req.CapabilityID)
	s.cache.put(req.CapabilityID, cachedResult{
		Revoked:   true,
		RevokedAt: rec.RevokedAt,
		RevokedBy: rec.IssuerPubKey,
		Reason:    rec.Reason,
	})

	if s.snapshots != nil {
		if n, err := s.snapshots.DeleteByCapabilityID(ctx, req.CapabilityID); err != nil {
			s.logger.Printf("Snapshot cascade failed for %s: %v", req.CapabilityID, err)
		} else if n > 0 {
			s.logger.Printf("Cascade deleted %d snapshot(s) for %s", n, req.CapabilityID)
		}
	}

	if s.mesh != nil {
		s.mesh.CapabilityRevoked(ctx, req.CapabilityID, req.RevokedBy, req.Reason)
	}
	return rec, nil
}

// CleanupExpired prunes revocations for long-expired capabilities and rebuilds
// the Bloom filter, since bits cannot be cleared individually.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.CleanupExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := s.Load(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Stats exposes counters for the health endpoint.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"bloom_bits":    s.filter().BitSize(),
		"bloom_entries": s.filter().Added(),
		"cache_entries": s.cache.len(),
	}
}
