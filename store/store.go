// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Read when no snapshot exists for the
// conversation. Callers treat this as "start empty", not as a failure.
var ErrNotFound = errors.New("store: conversation not found")

// ErrClosed is returned by operations on a closed storage backend.
var ErrClosed = errors.New("store: storage closed")

// Message is one chat message. ID is the canonical server/peer
// identifier; ClientMessageID is the sender-assigned idempotency key
// that links an optimistic local copy to its acknowledged replacement.
type Message struct {
	ID              string    `json:"id" cbor:"id"`
	ConversationID  string    `json:"conversationId" cbor:"conversation_id"`
	SenderID        string    `json:"senderId" cbor:"sender_id"`
	Body            string    `json:"body" cbor:"body"`
	ClientMessageID string    `json:"clientMessageId,omitempty" cbor:"client_message_id,omitempty"`
	CreatedAt       time.Time `json:"createdAt" cbor:"created_at"`

	// Pending marks an optimistic local copy that has not been
	// acknowledged yet. Never set on messages received from the peer
	// or the relay.
	Pending bool `json:"pending,omitempty" cbor:"pending,omitempty"`
}

// Conversation is the metadata half of a snapshot.
type Conversation struct {
	ID           string    `json:"id" cbor:"id"`
	FriendID     string    `json:"friendId" cbor:"friend_id"`
	Title        string    `json:"title,omitempty" cbor:"title,omitempty"`
	CreatedAt    time.Time `json:"createdAt" cbor:"created_at"`
	LastReadAt   time.Time `json:"lastReadAt,omitempty" cbor:"last_read_at,omitempty"`
	DeliveredUpTo time.Time `json:"deliveredUpTo,omitempty" cbor:"delivered_up_to,omitempty"`
}

// Snapshot is the unit of persistence: a conversation, its messages
// ordered ascending by (CreatedAt, ID), and the cursor identifying the
// oldest page boundary for backward pagination. NextCursor is opaque;
// empty means no older history is known to exist.
type Snapshot struct {
	Conversation Conversation `cbor:"conversation"`
	Messages     []Message    `cbor:"messages"`
	NextCursor   string       `cbor:"next_cursor,omitempty"`
	UpdatedAt    time.Time    `cbor:"updated_at"`
}

// Clone returns a deep copy. Snapshots cross goroutine boundaries
// (cache subscribers, async hydration), so shared slices are never
// handed out.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	copied := *s
	copied.Messages = make([]Message, len(s.Messages))
	copy(copied.Messages, s.Messages)
	return &copied
}

// ConversationStorage is the persistence contract for snapshots.
// Implementations must be safe for concurrent use.
type ConversationStorage interface {
	// Read returns the stored snapshot for the conversation, or
	// ErrNotFound if none exists.
	Read(ctx context.Context, conversationID string) (*Snapshot, error)

	// Write persists the snapshot, replacing any previous one.
	Write(ctx context.Context, conversationID string, snapshot *Snapshot) error

	// Close releases the backend. Reads and writes after Close fail.
	Close() error
}
