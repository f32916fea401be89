// Package auth authenticates containers against their gateway tokens. The
// relay never handles end-user credentials: a container proves itself with
// the opaque token its gateway issued, sent as a Bearer header (HTTP) or
// inside the WebSocket subprotocol list.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken covers missing, unknown, and mismatched tokens.
	ErrInvalidToken = errors.New("invalid gateway token")

	// ErrSuspended marks a container whose account is suspended. Callers map
	// it to 403 rather than 401.
	ErrSuspended = errors.New("container suspended")
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	ContainerID string
	UserID      string
}

// TokenVerifier checks a (containerID, gatewayToken) pair.
type TokenVerifier interface {
	Verify(ctx context.Context, containerID, token string) (*Identity, error)
}

// DBVerifier resolves tokens against the containers table. Tokens are stored
// hashed; the plaintext never touches the database.
type DBVerifier struct {
	db *sql.DB
}

func NewDBVerifier(db *sql.DB) *DBVerifier {
	return &DBVerifier{db: db}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (v *DBVerifier) Verify(ctx context.Context, containerID, token string) (*Identity, error) {
	if containerID == "" || token == "" {
		return nil, ErrInvalidToken
	}

	var userID, status string
	err := v.db.QueryRowContext(ctx, `
		SELECT user_id, status FROM containers
		WHERE container_id = $1 AND gateway_token_hash = $2`,
		containerID, hashToken(token)).Scan(&userID, &status)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	if status == "suspended" {
		return nil, ErrSuspended
	}
	return &Identity{ContainerID: containerID, UserID: userID}, nil
}
