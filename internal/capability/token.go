// Package capability decodes and verifies capability tokens. The relay checks
// issuer signature and expiry only; resource and scope semantics belong to the
// destination container and are carried opaque.
package capability

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/ocmt/relay/internal/relaycrypto"
)

// Capability is the decoded, verified form of a compact capability token.
type Capability struct {
	ID       string `json:"id"`
	Issuer   string `json:"iss"` // base64 Ed25519 public key
	Subject  string `json:"sub"`
	Resource string `json:"resource"`
	Scope    string `json:"scope"`
	Expiry   int64  `json:"exp"` // unix seconds
	Sig      string `json:"sig"`
}

var requiredClaims = []string{"id", "iss", "sub", "resource", "scope", "exp", "sig"}

// Decode parses and verifies a compact token. It returns nil on any failure —
// bad encoding, missing claims, bad signature, or expiry — with no
// distinguishing error, so callers cannot leak why a token was rejected.
func Decode(token string, now time.Time) *Capability {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil
	}

	var claims map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return nil
	}
	// Strict parse: exactly one JSON document.
	if dec.More() {
		return nil
	}

	for _, k := range requiredClaims {
		if _, ok := claims[k]; !ok {
			return nil
		}
	}

	var cap Capability
	if err := json.Unmarshal(raw, &cap); err != nil {
		return nil
	}
	if cap.ID == "" || cap.Issuer == "" || cap.Sig == "" {
		return nil
	}

	// The signature covers the canonical claims with sig omitted.
	delete(claims, "sig")
	signed, err := relaycrypto.CanonicalJSON(claims)
	if err != nil {
		return nil
	}
	if !relaycrypto.VerifyBase64(cap.Issuer, signed, cap.Sig) {
		return nil
	}

	// exp == now is already expired.
	if cap.Expiry <= now.Unix() {
		return nil
	}
	return &cap
}
