// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ ConversationStorage = (*MemoryStorage)(nil)

// MemoryStorage keeps snapshots in a map. It is the non-persistent
// fallback when no durable path is configured, and the storage of
// choice in tests. Semantics match SQLiteStorage exactly, including
// deep-copying on both read and write so callers can never mutate a
// stored snapshot in place.
type MemoryStorage struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	closed    bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{snapshots: make(map[string]*Snapshot)}
}

func (m *MemoryStorage) Read(_ context.Context, conversationID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	snapshot, ok := m.snapshots[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot.Clone(), nil
}

func (m *MemoryStorage) Write(_ context.Context, conversationID string, snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.snapshots[conversationID] = snapshot.Clone()
	return nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
