// Package relaycrypto holds the signature and hashing primitives the relay
// needs to verify capability tokens, revocation envelopes, and registration
// challenges. The relay never holds private keys — verification only.
package relaycrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
)

// spkiPrefix is the fixed DER prefix that wraps a raw 32-byte Ed25519 public
// key into a SubjectPublicKeyInfo structure (RFC 8410).
var spkiPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}

// VerifyRaw32 verifies an Ed25519 signature under a 32-byte raw public key.
// The key is wrapped in the SPKI prefix and re-parsed through x509 so that
// malformed keys are rejected the same way a DER consumer would reject them.
// Any size mismatch fails closed.
func VerifyRaw32(pub, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}

	der := make([]byte, 0, len(spkiPrefix)+len(pub))
	der = append(der, spkiPrefix...)
	der = append(der, pub...)

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return false
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return false
	}
	return ed25519.Verify(key, message, sig)
}

// VerifyBase64 verifies a signature where both the public key and the
// signature travel as standard base64 strings, the wire form used by
// capability tokens and revocation envelopes.
func VerifyBase64(pubB64 string, message []byte, sigB64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return VerifyRaw32(pub, message, sig)
}

// PubKeyHash returns the canonical discovery hash for a signing key: the
// first 16 bytes of its SHA-256, hex encoded (32 hex characters).
func PubKeyHash(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// SHA256 returns the full SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
