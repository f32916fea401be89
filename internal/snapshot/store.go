// Package snapshot persists encrypted capability snapshots so recipients can
// fetch them while offline. The relay never sees plaintext; it verifies the
// issuer signature over the ciphertext envelope and gates every read and
// write on revocation state.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Snapshot is one row of relay_cached_snapshots. Key and data fields are
// base64 as they travel on the wire.
type Snapshot struct {
	CapabilityID    string    `json:"capabilityId"`
	RecipientPubKey string    `json:"recipientPublicKey"`
	IssuerPubKey    string    `json:"issuerPublicKey"`
	EncryptedData   string    `json:"encryptedData"`
	EphemeralPubKey string    `json:"ephemeralPublicKey"`
	Nonce           string    `json:"nonce"`
	Tag             string    `json:"tag"`
	Signature       string    `json:"signature"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts or replaces the snapshot for a capability id.
func (s *Store) Upsert(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_cached_snapshots
			(capability_id, recipient_pub_key, issuer_pub_key, encrypted_data,
			 ephemeral_pub_key, nonce, tag, signature, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (capability_id) DO UPDATE SET
			recipient_pub_key = EXCLUDED.recipient_pub_key,
			issuer_pub_key    = EXCLUDED.issuer_pub_key,
			encrypted_data    = EXCLUDED.encrypted_data,
			ephemeral_pub_key = EXCLUDED.ephemeral_pub_key,
			nonce             = EXCLUDED.nonce,
			tag               = EXCLUDED.tag,
			signature         = EXCLUDED.signature,
			expires_at        = EXCLUDED.expires_at`,
		snap.CapabilityID, snap.RecipientPubKey, snap.IssuerPubKey, snap.EncryptedData,
		snap.EphemeralPubKey, snap.Nonce, snap.Tag, snap.Signature,
		snap.CreatedAt, snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// GetByCapabilityID returns the snapshot, or nil if none exists.
func (s *Store) GetByCapabilityID(ctx context.Context, capabilityID string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.db.QueryRowContext(ctx, `
		SELECT capability_id, recipient_pub_key, issuer_pub_key, encrypted_data,
		       ephemeral_pub_key, nonce, tag, signature, created_at, expires_at
		FROM relay_cached_snapshots WHERE capability_id = $1`, capabilityID).
		Scan(&snap.CapabilityID, &snap.RecipientPubKey, &snap.IssuerPubKey,
			&snap.EncryptedData, &snap.EphemeralPubKey, &snap.Nonce, &snap.Tag,
			&snap.Signature, &snap.CreatedAt, &snap.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// ListByRecipient returns unexpired snapshots pinned for a recipient key.
func (s *Store) ListByRecipient(ctx context.Context, recipientPubKey string, now time.Time) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capability_id, recipient_pub_key, issuer_pub_key, encrypted_data,
		       ephemeral_pub_key, nonce, tag, signature, created_at, expires_at
		FROM relay_cached_snapshots
		WHERE recipient_pub_key = $1 AND expires_at > $2
		ORDER BY created_at`, recipientPubKey, now)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		if err := rows.Scan(&snap.CapabilityID, &snap.RecipientPubKey, &snap.IssuerPubKey,
			&snap.EncryptedData, &snap.EphemeralPubKey, &snap.Nonce, &snap.Tag,
			&snap.Signature, &snap.CreatedAt, &snap.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteByCapabilityID removes the snapshot for a capability. Also the
// cascade target when the capability is revoked.
func (s *Store) DeleteByCapabilityID(ctx context.Context, capabilityID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_cached_snapshots WHERE capability_id = $1`, capabilityID)
	if err != nil {
		return 0, fmt.Errorf("delete snapshot: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired prunes snapshots past their expiry.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_cached_snapshots WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots: %w", err)
	}
	return res.RowsAffected()
}
