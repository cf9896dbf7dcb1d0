// Package wsecurity guards the agent WebSocket surface: connection tokens,
// per-message integrity, rate limiting and IP blocking.
package wsecurity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sysmanage/sysmanage-server/common/crypto"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

// TokenValidity is how long a connection token stays usable.
const TokenValidity = time.Hour

// tokenPayload is the signed portion of a connection token. Field order is
// the canonical serialization; changing it invalidates outstanding tokens.
type tokenPayload struct {
	ConnectionID string `json:"connection_id"`
	Hostname     string `json:"hostname"`
	ClientIP     string `json:"client_ip"`
	Timestamp    int64  `json:"timestamp"`
	Expires      int64  `json:"expires"`
}

type signedToken struct {
	Payload   tokenPayload `json:"payload"`
	Signature string       `json:"signature"`
}

// Tokens issues and validates connection tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret []byte) *Tokens {
	return &Tokens{secret: secret, now: time.Now}
}

// Generate issues a token binding a connection id to the requesting host and
// IP for the validity window.
func (t *Tokens) Generate(connectionID, hostname, clientIP string) (string, error) {
	now := t.now().Unix()
	payload := tokenPayload{
		ConnectionID: connectionID,
		Hostname:     hostname,
		ClientIP:     clientIP,
		Timestamp:    now,
		Expires:      now + int64(TokenValidity.Seconds()),
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode token payload: %w", err)
	}

	token := signedToken{
		Payload:   payload,
		Signature: crypto.SignHMAC(t.secret, canonical),
	}
	blob, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Validate checks a presented token and returns its connection id. Checks run
// in a fixed order and the first failure wins. An IP differing from the one
// the token was issued to is logged but tolerated: agents behind NAT or a
// proxy legitimately present a different address.
func (t *Tokens) Validate(encoded, observedIP string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", faults.New(faults.Unauthenticated, "malformed token")
	}
	var token signedToken
	if err := json.Unmarshal(blob, &token); err != nil {
		return "", faults.New(faults.Unauthenticated, "malformed token")
	}
	if token.Payload.ConnectionID == "" || token.Signature == "" {
		return "", faults.New(faults.Unauthenticated, "malformed token")
	}

	canonical, err := json.Marshal(token.Payload)
	if err != nil {
		return "", faults.New(faults.Unauthenticated, "malformed token")
	}
	if !crypto.VerifyHMAC(t.secret, canonical, token.Signature) {
		return "", faults.New(faults.Unauthenticated, "invalid token signature")
	}

	if t.now().Unix() > token.Payload.Expires {
		return "", faults.New(faults.Unauthenticated, "token expired")
	}

	if observedIP != "" && token.Payload.ClientIP != observedIP {
		slog.Info("connection token presented from different ip",
			"issued_to", token.Payload.ClientIP, "observed", observedIP,
			"connection_id", token.Payload.ConnectionID)
	}

	return token.Payload.ConnectionID, nil
}
