// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"sort"
	"sync"
	"time"
)

// PresenceState is the current ephemeral view of the conversation:
// who is typing right now and the newest receipts. None of it is
// persisted.
type PresenceState struct {
	TypingPeers     []string
	LastReadID      string
	LastReadPeer    string
	LastDeliveredID string
	LastDeliveredBy string
}

// presenceRegistry tracks presence signals. Typing entries expire at
// their wall-clock deadline; the Channel's sweep ticker removes them.
type presenceRegistry struct {
	mu        sync.Mutex
	typing    map[string]time.Time // peer ID -> expiry
	readID    string
	readPeer  string
	delivID   string
	delivPeer string
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{typing: make(map[string]time.Time)}
}

// apply folds one presence frame in and reports whether the visible
// state changed.
func (r *presenceRegistry) apply(p Presence, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch p.Kind {
	case PresenceTyping:
		expiry := time.UnixMilli(p.ExpiresAt)
		if !expiry.After(now) {
			return false
		}
		r.typing[p.SenderID] = expiry
		return true
	case PresenceRead:
		if p.MessageID == "" || (r.readID == p.MessageID && r.readPeer == p.SenderID) {
			return false
		}
		r.readID = p.MessageID
		r.readPeer = p.SenderID
		return true
	case PresenceDelivery:
		if p.MessageID == "" || (r.delivID == p.MessageID && r.delivPeer == p.SenderID) {
			return false
		}
		r.delivID = p.MessageID
		r.delivPeer = p.SenderID
		return true
	default:
		return false
	}
}

// sweep drops expired typing entries and reports whether any were
// removed.
func (r *presenceRegistry) sweep(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for peer, expiry := range r.typing {
		if !expiry.After(now) {
			delete(r.typing, peer)
			changed = true
		}
	}
	return changed
}

func (r *presenceRegistry) snapshot(now time.Time) PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := PresenceState{
		LastReadID:      r.readID,
		LastReadPeer:    r.readPeer,
		LastDeliveredID: r.delivID,
		LastDeliveredBy: r.delivPeer,
	}
	for peer, expiry := range r.typing {
		if expiry.After(now) {
			state.TypingPeers = append(state.TypingPeers, peer)
		}
	}
	sort.Strings(state.TypingPeers)
	return state
}
