// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// tokenType tags the JSON payload so unrelated base64 blobs pasted by
// mistake are rejected with a useful error.
const tokenType = "signaling"

// TokenTTL is how long a token remains applicable after creation.
// Session descriptions reference ephemeral ICE candidates, so a stale
// token could only ever produce a failed connection attempt.
const TokenTTL = 120 * time.Second

// Kind distinguishes the two halves of the offer/answer exchange.
type Kind string

const (
	// KindOffer is the host's invite token.
	KindOffer Kind = "offer"
	// KindAnswer is the guest's reply token.
	KindAnswer Kind = "answer"
)

// Token is one half of a connection handshake in portable form. The
// wire representation is base64 (standard alphabet, with padding) over
// compact JSON.
type Token struct {
	Type        string `json:"type"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
	SessionID   string `json:"sessionId"`
	CreatedAt   int64  `json:"createdAt"` // Unix milliseconds
}

// Encode serializes the token to its portable base64 form.
func (t Token) Encode() (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode signaling token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// ExpiresAt returns the instant the token stops being applicable.
func (t Token) ExpiresAt() time.Time {
	return time.UnixMilli(t.CreatedAt).Add(TokenTTL)
}

// Expired reports whether the token is past its TTL at the given
// instant.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt())
}

// DecodeToken parses a portable token and validates its shape. It does
// not check expiry; the controller does that against its own clock so
// tests can steer time.
func DecodeToken(encoded string) (Token, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Token{}, fmt.Errorf("decode signaling token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(payload, &t); err != nil {
		return Token{}, fmt.Errorf("decode signaling token: %w", err)
	}
	if t.Type != tokenType {
		return Token{}, fmt.Errorf("decode signaling token: unexpected type %q", t.Type)
	}
	switch t.Kind {
	case KindOffer, KindAnswer:
	default:
		return Token{}, fmt.Errorf("decode signaling token: unknown kind %q", t.Kind)
	}
	if t.Description == "" {
		return Token{}, fmt.Errorf("decode signaling token: empty description")
	}
	if t.SessionID == "" {
		return Token{}, fmt.Errorf("decode signaling token: empty session ID")
	}
	return t, nil
}
