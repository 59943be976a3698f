// Package audit signs governance events with HMAC-SHA256 and keeps them in
// append-only NDJSON streams that can be re-verified later.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// SignatureAlgo is recorded on every signed event.
	SignatureAlgo = "HMAC-SHA256"

	// DefaultSecret is the development key. Structural evolution is refused
	// while it is in use.
	DefaultSecret = "dev-secret-change-me"
)

// #region signer
// Signer computes and checks hex HMAC-SHA256 signatures over canonical JSON.
// Canonical means encoding/json output of a struct: declaration field order,
// no whitespace.
type Signer struct {
	secret []byte
	custom bool
}

// NewSigner returns a signer keyed with secret; empty falls back to
// DefaultSecret.
func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = DefaultSecret
	}
	return &Signer{secret: []byte(secret), custom: secret != DefaultSecret}
}

// Sign returns the hex signature of payload.
func (s *Signer) Sign(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches payload.
func (s *Signer) Verify(payload any, signature string) bool {
	want, err := s.Sign(payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

// EvolutionAllowed is the governance approval for structural changes: it
// holds once a non-default secret is configured.
func (s *Signer) EvolutionAllowed() bool {
	return s.custom
}

// #endregion signer

// HashText returns the hex SHA-256 of s.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashJSON returns the hex SHA-256 of v's JSON encoding, or of the empty
// string when v cannot be encoded.
func HashJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return HashText("")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
