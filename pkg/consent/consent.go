// Package consent verifies patient consent envelopes: Ed25519 detached
// signatures over a JSON claims payload. Checks run in a fixed order so a
// given envelope always fails the same way, and raw key material never
// appears in returned errors.
package consent

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/axon-health/neuron/pkg/schema"
)

// Verification failure codes, shared with the broker's close frames and
// the REST error envelope.
const (
	CodeSchemaViolation  = "schema_violation"
	CodeBadSignature     = "bad_signature"
	CodeBadEncoding      = "bad_encoding"
	CodeLifetimeExceeded = "lifetime_exceeded"
	CodeExpired          = "expired"
	CodeReplayDetected   = "replay_detected"
	CodeMissingKey       = "missing_key"
	CodeInvalidKey       = "invalid_key"
)

// Error is a verification failure with a taxonomy code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// CodeOf extracts the taxonomy code from a verification error.
func CodeOf(err error) string {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// Envelope is the wire form of a consent token.
type Envelope struct {
	PayloadB64   string `json:"payload_b64url"`
	SignatureB64 string `json:"signature_b64url"`
	PublicKeyB64 string `json:"public_key_b64url"`
}

// Claims is the signed payload.
type Claims struct {
	PatientAgentID   string   `json:"patient_agent_id"`
	ProviderNPI      string   `json:"provider_npi"`
	ConsentedActions []string `json:"consented_actions"`
	IssuedAt         int64    `json:"iat"`
	ExpiresAt        int64    `json:"exp"`
	Nonce            string   `json:"nonce,omitempty"`
}

const (
	// ClockSkew widens the validity window on both ends.
	ClockSkew = 30 * time.Second
	// MaxLifetime bounds exp-iat.
	MaxLifetime = 24 * time.Hour

	nonceCacheSize = 10000
)

// Verifier checks envelopes. Safe for concurrent use.
type Verifier struct {
	schemas *schema.Registry
	nonces  *lru.Cache[string, struct{}]
	clock   func() time.Time

	mu sync.Mutex
}

// NewVerifier builds a verifier with the compiled schema registry and an
// empty nonce cache.
func NewVerifier() (*Verifier, error) {
	reg, err := schema.Default()
	if err != nil {
		return nil, err
	}
	nonces, err := lru.New[string, struct{}](nonceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("build nonce cache: %w", err)
	}
	return &Verifier{schemas: reg, nonces: nonces, clock: time.Now}, nil
}

// WithClock overrides the clock for tests.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs the full policy and returns the claims on success. The check
// order is fixed: encoding, signature, schema, validity window, lifetime,
// replay. The nonce is consumed only after everything else passes.
func (v *Verifier) Verify(env Envelope) (Claims, error) {
	if strings.TrimSpace(env.PublicKeyB64) == "" {
		return Claims{}, &Error{CodeMissingKey, "consent envelope has no public key"}
	}

	payload, err := base64.RawURLEncoding.DecodeString(env.PayloadB64)
	if err != nil {
		return Claims{}, &Error{CodeBadEncoding, "payload is not base64url"}
	}
	sig, err := base64.RawURLEncoding.DecodeString(env.SignatureB64)
	if err != nil {
		return Claims{}, &Error{CodeBadEncoding, "signature is not base64url"}
	}
	pub, err := base64.RawURLEncoding.DecodeString(env.PublicKeyB64)
	if err != nil {
		return Claims{}, &Error{CodeBadEncoding, "public key is not base64url"}
	}
	if len(pub) != ed25519.PublicKeySize {
		return Claims{}, &Error{CodeInvalidKey, fmt.Sprintf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)}
	}
	if len(sig) != ed25519.SignatureSize {
		return Claims{}, &Error{CodeBadSignature, "signature has wrong length"}
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return Claims{}, &Error{CodeBadSignature, "signature does not verify against payload"}
	}

	if err := v.schemas.ValidateJSON(schema.ConsentClaims, payload); err != nil {
		var se *schema.ValidationError
		if errors.As(err, &se) {
			return Claims{}, &Error{CodeSchemaViolation, strings.Join(se.Details, "; ")}
		}
		return Claims{}, &Error{CodeSchemaViolation, err.Error()}
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, &Error{CodeSchemaViolation, "claims payload is not a JSON object"}
	}

	now := v.clock()
	iat := time.Unix(claims.IssuedAt, 0)
	exp := time.Unix(claims.ExpiresAt, 0)
	if now.Before(iat.Add(-ClockSkew)) || now.After(exp.Add(ClockSkew)) {
		return Claims{}, &Error{CodeExpired, "consent is outside its validity window"}
	}
	if exp.Sub(iat) > MaxLifetime {
		return Claims{}, &Error{CodeLifetimeExceeded, fmt.Sprintf("consent lifetime exceeds %s", MaxLifetime)}
	}

	if claims.Nonce != "" {
		key := env.PublicKeyB64 + "\x00" + claims.Nonce
		v.mu.Lock()
		_, seen := v.nonces.Get(key)
		if !seen {
			v.nonces.Add(key, struct{}{})
		}
		v.mu.Unlock()
		if seen {
			return Claims{}, &Error{CodeReplayDetected, "nonce already consumed for this key"}
		}
	}

	return claims, nil
}
