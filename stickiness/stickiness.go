// Package stickiness issues and verifies signed, turn-scoped session lock
// tokens so the engine can bind an alias to a model across a bounded
// conversation window without any server-side session storage — the
// token is the session.
//
// Wire format: base64url-no-pad(JSON(claims) || HMAC-SHA256(secret,
// JSON(claims))). This is an exact port of the reference implementation's
// sign/verify convention (JSON-then-append-32-byte-digest-then-encode),
// not a JWT — there is no header segment and no algorithm negotiation,
// by design: the secret and the algorithm are both fixed at deploy time.
package stickiness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labiium/edurouter-go/errs"
)

const sigSize = sha256.Size // 32

// Claims is the canonical JSON payload signed inside a token.
type Claims struct {
	TokenID   string  `json:"token_id"`
	Tenant    *string `json:"tenant,omitempty"`
	Project   *string `json:"project,omitempty"`
	Alias     string  `json:"alias"`
	ModelID   string  `json:"model_id"`
	ExpiresAt int64   `json:"expires_at"` // unix millis
	MaxTurns  uint32  `json:"max_turns"`
	Turn      uint32  `json:"turn"`
}

func (c Claims) ExpiresAtTime() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// Manager issues and verifies tokens under a single HMAC secret.
type Manager struct {
	secret []byte
}

func New(secret []byte) *Manager {
	return &Manager{secret: secret}
}

// Issue mints a brand-new token for (alias, model_id) at turn 0.
func Issue(m *Manager, tenant, project *string, alias, modelID string, maxTurns uint32, ttlMs uint64) (string, Claims, error) {
	claims := Claims{
		TokenID:   uuid.NewString(),
		Tenant:    tenant,
		Project:   project,
		Alias:     alias,
		ModelID:   modelID,
		ExpiresAt: time.Now().Add(time.Duration(ttlMs) * time.Millisecond).UnixMilli(),
		MaxTurns:  maxTurns,
		Turn:      0,
	}
	token, err := sign(m, claims)
	return token, claims, err
}

// Progress advances an already-verified claims set by one turn. It mints
// a fresh token_id — the progressed token is a new credential for the
// same session, not a reuse of the prior one — and a refreshed
// expires_at. Turn increments saturate at the max uint32 rather than
// wrapping.
func Progress(m *Manager, prev Claims, ttlMs uint64) (string, Claims, error) {
	next := prev
	next.TokenID = uuid.NewString()
	if prev.Turn < ^uint32(0) {
		next.Turn = prev.Turn + 1
	} else {
		next.Turn = prev.Turn
	}
	next.ExpiresAt = time.Now().Add(time.Duration(ttlMs) * time.Millisecond).UnixMilli()
	token, err := sign(m, next)
	return token, next, err
}

// Verify decodes and authenticates token, returning claims on success.
// Any structural defect, signature mismatch, or expiry maps to
// INVALID_APPROVAL — callers never see the distinction, matching the
// design's single-error-surface for stickiness failures.
func Verify(m *Manager, token string) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, errs.InvalidApproval("malformed stickiness token encoding")
	}
	if len(raw) < sigSize {
		return Claims{}, errs.InvalidApproval("stickiness token too short")
	}

	payload := raw[:len(raw)-sigSize]
	sig := raw[len(raw)-sigSize:]

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sig) {
		return Claims{}, errs.InvalidApproval("stickiness token signature mismatch")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, errs.InvalidApproval("stickiness token payload is not valid claims")
	}

	if time.Now().UnixMilli() >= claims.ExpiresAt {
		return Claims{}, errs.InvalidApproval("stickiness token expired")
	}

	return claims, nil
}

func sign(m *Manager, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal stickiness claims: %w", err)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	sig := mac.Sum(nil)
	blob := append(payload, sig...)
	return base64.RawURLEncoding.EncodeToString(blob), nil
}
