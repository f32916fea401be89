package snapshot

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/relay/internal/relaycrypto"
)

type fakeRevocations struct {
	revoked map[string]bool
	err     error
}

func (f *fakeRevocations) CheckStrict(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[id], nil
}

func newTestService(t *testing.T, revocations *fakeRevocations) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if revocations == nil {
		revocations = &fakeRevocations{}
	}
	return NewService(NewStore(db), revocations), mock
}

// signedSnapshot builds a snapshot whose envelope signature verifies under a
// fresh issuer key.
func signedSnapshot(t *testing.T, capabilityID string, expiresAt time.Time) *Snapshot {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	snap := &Snapshot{
		CapabilityID:    capabilityID,
		RecipientPubKey: "recipient-key",
		IssuerPubKey:    base64.StdEncoding.EncodeToString(pub),
		EncryptedData:   base64.StdEncoding.EncodeToString([]byte("ciphertext")),
		EphemeralPubKey: base64.StdEncoding.EncodeToString([]byte("ephemeral-public-key-32-bytes...")),
		Nonce:           "bm9uY2U=",
		Tag:             "dGFn",
		ExpiresAt:       expiresAt,
	}
	snap.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signedEnvelope(snap)))
	return snap
}

func TestPut_Valid(t *testing.T) {
	svc, mock := newTestService(t, nil)
	snap := signedSnapshot(t, "cap-1", time.Now().Add(time.Hour))

	mock.ExpectExec("INSERT INTO relay_cached_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Put(context.Background(), snap))
	assert.False(t, snap.CreatedAt.IsZero(), "created_at set on write")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPut_RejectsRevoked(t *testing.T) {
	svc, _ := newTestService(t, &fakeRevocations{revoked: map[string]bool{"cap-1": true}})
	snap := signedSnapshot(t, "cap-1", time.Now().Add(time.Hour))

	assert.ErrorIs(t, svc.Put(context.Background(), snap), ErrRevoked)
}

func TestPut_FailsClosedOnRevocationError(t *testing.T) {
	svc, _ := newTestService(t, &fakeRevocations{err: errors.New("db down")})
	snap := signedSnapshot(t, "cap-1", time.Now().Add(time.Hour))

	err := svc.Put(context.Background(), snap)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRevoked, "transient store error surfaces as-is")
}

func TestPut_RejectsBadSignature(t *testing.T) {
	svc, _ := newTestService(t, nil)
	snap := signedSnapshot(t, "cap-1", time.Now().Add(time.Hour))
	snap.EncryptedData = base64.StdEncoding.EncodeToString([]byte("swapped ciphertext"))

	assert.ErrorIs(t, svc.Put(context.Background(), snap), ErrBadSignature)
}

func TestPut_RejectsExpired(t *testing.T) {
	svc, _ := newTestService(t, nil)
	snap := signedSnapshot(t, "cap-1", time.Now().Add(-time.Minute))

	assert.ErrorIs(t, svc.Put(context.Background(), snap), ErrExpired)
}

func TestGet_RevokedDeletedOnSight(t *testing.T) {
	svc, mock := newTestService(t, &fakeRevocations{revoked: map[string]bool{"cap-1": true}})

	mock.ExpectExec("DELETE FROM relay_cached_snapshots").
		WithArgs("cap-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Get(context.Background(), "cap-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_BadProofRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	req := &ListRequest{
		RecipientPubKey: base64.StdEncoding.EncodeToString(pub),
		Timestamp:       time.Now().Unix(),
	}
	envelope := map[string]interface{}{
		"action":             "list-snapshots",
		"recipientPublicKey": req.RecipientPubKey,
		"timestamp":          req.Timestamp,
	}
	signed, err := relaycrypto.CanonicalJSON(envelope)
	require.NoError(t, err)
	req.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(wrongPriv, signed))

	_, err = svc.List(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadOwnershipProof)
}

func TestList_StaleProofRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)

	req := &ListRequest{
		RecipientPubKey: "whatever",
		Timestamp:       time.Now().Add(-10 * time.Minute).Unix(),
		Signature:       "sig",
	}
	_, err := svc.List(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadOwnershipProof)
}

func TestList_OmitsAndDeletesRevokedRows(t *testing.T) {
	revocations := &fakeRevocations{revoked: map[string]bool{"cap-revoked": true}}
	svc, mock := newTestService(t, revocations)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	recipient := base64.StdEncoding.EncodeToString(pub)

	req := &ListRequest{RecipientPubKey: recipient, Timestamp: time.Now().Unix()}
	envelope := map[string]interface{}{
		"action":             "list-snapshots",
		"recipientPublicKey": req.RecipientPubKey,
		"timestamp":          req.Timestamp,
	}
	signed, err := relaycrypto.CanonicalJSON(envelope)
	require.NoError(t, err)
	req.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signed))

	cols := []string{"capability_id", "recipient_pub_key", "issuer_pub_key", "encrypted_data",
		"ephemeral_pub_key", "nonce", "tag", "signature", "created_at", "expires_at"}
	now := time.Now()
	mock.ExpectQuery("SELECT capability_id, recipient_pub_key").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("cap-live", recipient, "iss", "data", "eph", "n", "t", "sig", now, now.Add(time.Hour)).
			AddRow("cap-revoked", recipient, "iss", "data", "eph", "n", "t", "sig", now, now.Add(time.Hour)))
	mock.ExpectExec("DELETE FROM relay_cached_snapshots").
		WithArgs("cap-revoked").
		WillReturnResult(sqlmock.NewResult(0, 1))

	snaps, err := svc.List(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "cap-live", snaps[0].CapabilityID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
