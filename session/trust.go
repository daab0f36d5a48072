// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotPinned is returned by TrustStore.Load when no fingerprint has
// been pinned for the session.
var ErrNotPinned = errors.New("session: no pinned fingerprint")

// PeerTrustState records what we know about the peer behind one
// signaling session.
type PeerTrustState struct {
	SessionID         string
	LocalFingerprint  string
	RemoteFingerprint string
	// Trusted is set only by explicit user action, never by the
	// handshake itself.
	Trusted       bool
	LastRotatedAt time.Time
}

// TrustStore persists pinned fingerprints. A pin is written on the
// first handshake of a session and compared fail-closed on every
// subsequent one.
type TrustStore interface {
	// Load returns the pinned state for a session, or ErrNotPinned.
	Load(ctx context.Context, sessionID string) (*PeerTrustState, error)

	// Pin writes or replaces the state for state.SessionID.
	Pin(ctx context.Context, state PeerTrustState) error
}

// MemoryTrustStore is a map-backed TrustStore for tests and ephemeral
// sessions.
type MemoryTrustStore struct {
	mu    sync.Mutex
	peers map[string]PeerTrustState
}

var _ TrustStore = (*MemoryTrustStore)(nil)

// NewMemoryTrustStore returns an empty in-memory trust store.
func NewMemoryTrustStore() *MemoryTrustStore {
	return &MemoryTrustStore{peers: make(map[string]PeerTrustState)}
}

func (s *MemoryTrustStore) Load(ctx context.Context, sessionID string) (*PeerTrustState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[sessionID]
	if !ok {
		return nil, ErrNotPinned
	}
	copied := state
	return &copied, nil
}

func (s *MemoryTrustStore) Pin(ctx context.Context, state PeerTrustState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[state.SessionID] = state
	return nil
}
