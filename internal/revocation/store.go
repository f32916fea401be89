package revocation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Record is one row of the authoritative capability_revocations table.
type Record struct {
	CapabilityID   string
	IssuerPubKey   string
	Reason         string
	OriginalExpiry *time.Time
	RevokedAt      time.Time
	Signature      string
}

// Store is the authoritative persistence layer. The Bloom filter and cache
// are rebuilt from here; a capability is revoked iff it has a row here.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a revocation row. Re-revoking the same capability is a
// no-op, which makes the revoke endpoint idempotent.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_revocations
			(capability_id, issuer_pub_key, reason, original_expiry, revoked_at, signature)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (capability_id) DO NOTHING`,
		rec.CapabilityID, rec.IssuerPubKey, nullIfEmpty(rec.Reason),
		rec.OriginalExpiry, rec.RevokedAt, rec.Signature)
	if err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

// FindByCapabilityID returns the revocation row, or nil if none exists.
func (s *Store) FindByCapabilityID(ctx context.Context, capabilityID string) (*Record, error) {
	var (
		rec    Record
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT capability_id, issuer_pub_key, reason, original_expiry, revoked_at, signature
		FROM capability_revocations WHERE capability_id = $1`, capabilityID).
		Scan(&rec.CapabilityID, &rec.IssuerPubKey, &reason, &rec.OriginalExpiry,
			&rec.RevokedAt, &rec.Signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find revocation: %w", err)
	}
	rec.Reason = reason.String
	return &rec, nil
}

// IsRevoked reports whether a row exists for the capability.
func (s *Store) IsRevoked(ctx context.Context, capabilityID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM capability_revocations WHERE capability_id = $1)`,
		capabilityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return exists, nil
}

// BatchCheckRevoked returns the subset of ids that are revoked.
func (s *Store) BatchCheckRevoked(ctx context.Context, capabilityIDs []string) (map[string]bool, error) {
	revoked := make(map[string]bool, len(capabilityIDs))
	if len(capabilityIDs) == 0 {
		return revoked, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT capability_id FROM capability_revocations WHERE capability_id = ANY($1)`,
		pq.Array(capabilityIDs))
	if err != nil {
		return nil, fmt.Errorf("batch check revocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan revocation id: %w", err)
		}
		revoked[id] = true
	}
	return revoked, rows.Err()
}

// GetAllCapabilityIDs streams every revoked id, used to (re)build the Bloom
// filter at startup and after expiry sweeps.
func (s *Store) GetAllCapabilityIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT capability_id FROM capability_revocations`)
	if err != nil {
		return nil, fmt.Errorf("list revocation ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan revocation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CleanupExpired deletes revocations whose underlying capability expired
// before cutoff; they can no longer authorize anything either way.
func (s *Store) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM capability_revocations
		WHERE original_expiry IS NOT NULL AND original_expiry < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired revocations: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of revocation rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capability_revocations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count revocations: %w", err)
	}
	return n, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
