// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"fmt"
)

// EnvelopeVersion is the only wire version this implementation speaks.
const EnvelopeVersion = 1

// EnvelopeKind discriminates the two envelope payloads.
type EnvelopeKind string

const (
	// EnvelopeHandshake carries key material in the clear to bootstrap
	// the session.
	EnvelopeHandshake EnvelopeKind = "handshake"
	// EnvelopeData carries one encrypted frame.
	EnvelopeData EnvelopeKind = "data"
)

// Envelope is the outer wire frame for all crypto-session traffic.
// Handshake envelopes populate PublicKey/Salt/RotatedAt; data
// envelopes populate IV/Ciphertext. Binary fields are base64 via
// encoding/json's []byte handling.
type Envelope struct {
	Version   int          `json:"version"`
	Kind      EnvelopeKind `json:"kind"`
	SessionID string       `json:"sessionId"`

	PublicKey []byte `json:"publicKey,omitempty"`
	Salt      []byte `json:"salt,omitempty"`
	RotatedAt int64  `json:"rotatedAt,omitempty"` // Unix milliseconds

	IV         []byte `json:"iv,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("session: encoding envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope parses a wire frame and validates the fields the
// declared kind requires.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("session: decoding envelope: %w", err)
	}
	if e.Version != EnvelopeVersion {
		return Envelope{}, fmt.Errorf("session: unsupported envelope version %d", e.Version)
	}
	if e.SessionID == "" {
		return Envelope{}, fmt.Errorf("session: envelope missing session ID")
	}
	switch e.Kind {
	case EnvelopeHandshake:
		if len(e.PublicKey) != 32 {
			return Envelope{}, fmt.Errorf("session: handshake public key is %d bytes, want 32", len(e.PublicKey))
		}
		if len(e.Salt) == 0 {
			return Envelope{}, fmt.Errorf("session: handshake missing salt")
		}
	case EnvelopeData:
		if len(e.IV) == 0 || len(e.Ciphertext) == 0 {
			return Envelope{}, fmt.Errorf("session: data envelope missing IV or ciphertext")
		}
	default:
		return Envelope{}, fmt.Errorf("session: unknown envelope kind %q", e.Kind)
	}
	return e, nil
}
