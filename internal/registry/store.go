// Package registry maintains the container id ↔ key material mapping used for
// discovery and callback dispatch. Registration requires an Ed25519
// challenge-response proving possession of the signing key.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Registration is one row of relay_container_registry. CallbackURL is held
// for dispatch only and never serialized to lookup responses.
type Registration struct {
	ContainerID      string
	SigningPubKey    string // base64 raw 32 bytes
	EncryptionPubKey string // base64, optional
	PubKeyHash       string // 32 hex chars
	CallbackURL      string // optional
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const registrationCols = `container_id, signing_pub_key, COALESCE(encryption_pub_key, ''),
	pub_key_hash, COALESCE(callback_url, ''), created_at, updated_at`

func scanRegistration(row interface{ Scan(...interface{}) error }) (*Registration, error) {
	reg := &Registration{}
	err := row.Scan(&reg.ContainerID, &reg.SigningPubKey, &reg.EncryptionPubKey,
		&reg.PubKeyHash, &reg.CallbackURL, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Upsert writes the registration; exactly one row per container.
func (s *Store) Upsert(ctx context.Context, reg *Registration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_container_registry
			(container_id, signing_pub_key, encryption_pub_key, pub_key_hash,
			 callback_url, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $6)
		ON CONFLICT (container_id) DO UPDATE SET
			signing_pub_key    = EXCLUDED.signing_pub_key,
			encryption_pub_key = EXCLUDED.encryption_pub_key,
			pub_key_hash       = EXCLUDED.pub_key_hash,
			callback_url       = EXCLUDED.callback_url,
			updated_at         = EXCLUDED.updated_at`,
		reg.ContainerID, reg.SigningPubKey, reg.EncryptionPubKey, reg.PubKeyHash,
		reg.CallbackURL, time.Now())
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

// GetByContainerID returns the registration, or nil when absent.
func (s *Store) GetByContainerID(ctx context.Context, containerID string) (*Registration, error) {
	reg, err := scanRegistration(s.db.QueryRowContext(ctx,
		`SELECT `+registrationCols+` FROM relay_container_registry WHERE container_id = $1`,
		containerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// GetByPubKeyHash resolves a discovery hash (32 hex chars) to a registration.
func (s *Store) GetByPubKeyHash(ctx context.Context, pubKeyHash string) (*Registration, error) {
	reg, err := scanRegistration(s.db.QueryRowContext(ctx,
		`SELECT `+registrationCols+` FROM relay_container_registry WHERE pub_key_hash = $1`,
		pubKeyHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by hash: %w", err)
	}
	return reg, nil
}

// GetBySigningKeys batch-resolves full signing keys for POST /registry/lookup.
func (s *Store) GetBySigningKeys(ctx context.Context, signingPubKeys []string) ([]*Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+registrationCols+` FROM relay_container_registry WHERE signing_pub_key = ANY($1)`,
		pq.Array(signingPubKeys))
	if err != nil {
		return nil, fmt.Errorf("batch lookup: %w", err)
	}
	defer rows.Close()

	var regs []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// Delete removes the registration.
func (s *Store) Delete(ctx context.Context, containerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_container_registry WHERE container_id = $1`, containerID)
	if err != nil {
		return 0, fmt.Errorf("delete registration: %w", err)
	}
	return res.RowsAffected()
}
