// Package viewertoken mints and verifies the short-lived bearer tokens that
// gate the viewer fan-out websocket.
//
// A token is base64url(payload) + "." + base64url(HMAC-SHA256(payload)) where
// the payload is a JSON document binding the session id and an expiry. Tokens
// are opaque to clients; only the server holds the signing secret.
package viewertoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("viewer token is malformed")
	ErrSignature = errors.New("viewer token signature mismatch")
	ErrExpired   = errors.New("viewer token expired")
)

type payload struct {
	SessionID string `json:"sessionId"`
	Exp       int64  `json:"exp"`
}

// Minter signs and verifies viewer tokens for a fixed secret and TTL.
type Minter struct {
	secret []byte
	ttl    time.Duration

	// now is swapped in tests.
	now func() time.Time
}

// New creates a Minter. The secret must not be empty; the TTL defaults to
// ten minutes when non-positive.
func New(secret string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Minter{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint returns a signed token granting access to sessionID until the TTL
// elapses.
func (m *Minter) Mint(sessionID string) (string, error) {
	raw, err := json.Marshal(payload{
		SessionID: sessionID,
		Exp:       m.now().Add(m.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding viewer token payload: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + base64.RawURLEncoding.EncodeToString(m.sign(body)), nil
}

// Verify checks the token's signature and expiry and returns the session id
// it grants access to. The signature check runs in constant time.
func (m *Minter) Verify(token string) (string, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return "", ErrMalformed
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", ErrMalformed
	}
	if !hmac.Equal(gotSig, m.sign(body)) {
		return "", ErrSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", ErrMalformed
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return "", ErrMalformed
	}
	if m.now().Unix() >= p.Exp {
		return "", ErrExpired
	}
	return p.SessionID, nil
}

func (m *Minter) sign(body string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
