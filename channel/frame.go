// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/backchannel/store"
)

// Frame type discriminator values.
const (
	TypeMessageSend   = "message:send"
	TypeMessageAck    = "message:ack"
	TypeHistorySync   = "history:sync"
	TypeHistoryResult = "history:result"
	TypeHistoryPage   = "history:page"
	TypePresence      = "presence"
	TypeHeartbeatPing = "heartbeat:ping"
	TypeHeartbeatPong = "heartbeat:pong"
	TypeError         = "error"
)

// Frame is the closed union of conversation wire frames. Only the
// types in this package implement it; an unknown discriminator fails
// in [DecodeFrame] rather than producing a half-decoded value.
type Frame interface {
	frameType() string
}

// MessageSend carries one chat message peer to peer.
type MessageSend struct {
	Type            string `json:"type"`
	ConversationID  string `json:"conversationId"`
	SenderID        string `json:"senderId"`
	Body            string `json:"body"`
	ClientMessageID string `json:"clientMessageId"`
	CreatedAt       int64  `json:"createdAt"` // Unix milliseconds
}

// MessageAck confirms receipt of a MessageSend and carries the
// canonical form of the message (server- or peer-assigned ID).
type MessageAck struct {
	Type            string        `json:"type"`
	ClientMessageID string        `json:"clientMessageId"`
	Message         store.Message `json:"message"`
}

// HistorySync asks the peer for the newest page of history.
type HistorySync struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Limit     int    `json:"limit"`
}

// HistoryPage asks the peer for messages older than Cursor.
type HistoryPage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Cursor    string `json:"cursor"`
	Limit     int    `json:"limit"`
}

// HistoryResult answers either history request, keyed by RequestID.
type HistoryResult struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId"`
	Messages   []store.Message `json:"messages"`
	NextCursor *string         `json:"nextCursor"`
}

// PresenceKind enumerates the ephemeral signals.
type PresenceKind string

const (
	PresenceTyping   PresenceKind = "typing"
	PresenceRead     PresenceKind = "read"
	PresenceDelivery PresenceKind = "delivery"
)

// Presence is a fire-and-forget ephemeral signal. Typing entries
// carry an expiry; read and delivery receipts reference a message.
type Presence struct {
	Type      string       `json:"type"`
	Kind      PresenceKind `json:"kind"`
	SenderID  string       `json:"senderId"`
	MessageID string       `json:"messageId,omitempty"`
	ExpiresAt int64        `json:"expiresAt,omitempty"` // Unix milliseconds
}

// HeartbeatPing checks connection liveness.
type HeartbeatPing struct {
	Type   string `json:"type"`
	SentAt int64  `json:"sentAt"` // Unix milliseconds
}

// HeartbeatPong answers a ping, echoing its timestamp.
type HeartbeatPong struct {
	Type   string `json:"type"`
	SentAt int64  `json:"sentAt"`
}

// ErrorFrame reports a failure for a specific request, or for the
// conversation as a whole when RequestID is empty.
type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (MessageSend) frameType() string   { return TypeMessageSend }
func (MessageAck) frameType() string    { return TypeMessageAck }
func (HistorySync) frameType() string   { return TypeHistorySync }
func (HistoryPage) frameType() string   { return TypeHistoryPage }
func (HistoryResult) frameType() string { return TypeHistoryResult }
func (Presence) frameType() string      { return TypePresence }
func (HeartbeatPing) frameType() string { return TypeHeartbeatPing }
func (HeartbeatPong) frameType() string { return TypeHeartbeatPong }
func (ErrorFrame) frameType() string    { return TypeError }

// EncodeFrame serializes a frame, filling in its discriminator.
func EncodeFrame(f Frame) ([]byte, error) {
	var payload any
	switch frame := f.(type) {
	case MessageSend:
		frame.Type = TypeMessageSend
		payload = frame
	case MessageAck:
		frame.Type = TypeMessageAck
		payload = frame
	case HistorySync:
		frame.Type = TypeHistorySync
		payload = frame
	case HistoryPage:
		frame.Type = TypeHistoryPage
		payload = frame
	case HistoryResult:
		frame.Type = TypeHistoryResult
		payload = frame
	case Presence:
		frame.Type = TypePresence
		payload = frame
	case HeartbeatPing:
		frame.Type = TypeHeartbeatPing
		payload = frame
	case HeartbeatPong:
		frame.Type = TypeHeartbeatPong
		payload = frame
	case ErrorFrame:
		frame.Type = TypeError
		payload = frame
	default:
		return nil, fmt.Errorf("channel: unencodable frame type %T", f)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("channel: encoding %s frame: %w", f.frameType(), err)
	}
	return raw, nil
}

// DecodeFrame parses one wire frame. An unknown or missing
// discriminator is an error; callers log and drop the frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("channel: decoding frame: %w", err)
	}

	decode := func(target any) error {
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("channel: decoding %s frame: %w", head.Type, err)
		}
		return nil
	}
	switch head.Type {
	case TypeMessageSend:
		var f MessageSend
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeMessageAck:
		var f MessageAck
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeHistorySync:
		var f HistorySync
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeHistoryPage:
		var f HistoryPage
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeHistoryResult:
		var f HistoryResult
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypePresence:
		var f Presence
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeHeartbeatPing:
		var f HeartbeatPing
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeHeartbeatPong:
		var f HeartbeatPong
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeError:
		var f ErrorFrame
		if err := decode(&f); err != nil {
			return nil, err
		}
		return f, nil
	case "":
		return nil, fmt.Errorf("channel: frame missing type discriminator")
	default:
		return nil, fmt.Errorf("channel: unknown frame type %q", head.Type)
	}
}
