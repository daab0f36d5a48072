// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Cache is a read-through, write-behind layer over a
// ConversationStorage backend. The in-memory copy is the value the
// conversation channel works against; the durable copy catches up
// asynchronously.
//
// Read returns whatever is in memory immediately (possibly nil on the
// first call) and kicks off a hydration read from the backend. If the
// durable snapshot turns out to be newer than the in-memory one,
// memory is reconciled and subscribers are re-notified — so a UI that
// subscribed before hydration completed still ends up with the
// freshest data.
type Cache struct {
	storage ConversationStorage
	logger  *slog.Logger

	mu          sync.Mutex
	snapshots   map[string]*Snapshot
	hydrated    map[string]bool
	hydrating   map[string]bool
	subscribers map[string]map[int]func(*Snapshot)
	nextSubID   int

	// pendingWrites counts in-flight background persists, so Flush
	// can wait for them in tests and during shutdown.
	pendingWrites sync.WaitGroup
}

// NewCache creates a cache over the given backend. A nil logger
// disables logging.
func NewCache(storage ConversationStorage, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		storage:     storage,
		logger:      logger,
		snapshots:   make(map[string]*Snapshot),
		hydrated:    make(map[string]bool),
		hydrating:   make(map[string]bool),
		subscribers: make(map[string]map[int]func(*Snapshot)),
	}
}

// Read returns the current in-memory snapshot (nil if none yet) and
// starts asynchronous hydration from the backend if it has not
// happened for this conversation.
func (c *Cache) Read(ctx context.Context, conversationID string) *Snapshot {
	c.mu.Lock()
	snapshot := c.snapshots[conversationID].Clone()
	needsHydration := !c.hydrated[conversationID] && !c.hydrating[conversationID]
	if needsHydration {
		c.hydrating[conversationID] = true
	}
	c.mu.Unlock()

	if needsHydration {
		go c.hydrate(conversationID)
	}
	return snapshot
}

// Write replaces the in-memory snapshot synchronously, notifies
// subscribers, and persists to the backend in the background. The
// in-memory copy is authoritative from the caller's perspective; a
// failed persist is logged, not surfaced, because the next Write
// retries the full snapshot anyway.
func (c *Cache) Write(ctx context.Context, conversationID string, snapshot *Snapshot) {
	stored := snapshot.Clone()

	c.mu.Lock()
	c.snapshots[conversationID] = stored
	// A local write supersedes whatever hydration would find.
	c.hydrated[conversationID] = true
	subs := c.subscribersLocked(conversationID)
	c.mu.Unlock()

	for _, notify := range subs {
		notify(stored.Clone())
	}

	c.pendingWrites.Add(1)
	go func() {
		defer c.pendingWrites.Done()
		if err := c.storage.Write(ctx, conversationID, stored); err != nil {
			c.logger.Warn("snapshot persist failed",
				"conversation", conversationID,
				"error", err,
			)
		}
	}()
}

// Subscribe registers fn for snapshot updates to the conversation.
// The returned function unsubscribes.
func (c *Cache) Subscribe(conversationID string, fn func(*Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribers[conversationID] == nil {
		c.subscribers[conversationID] = make(map[int]func(*Snapshot))
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[conversationID][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers[conversationID], id)
	}
}

// Flush blocks until all background persists have completed.
func (c *Cache) Flush() {
	c.pendingWrites.Wait()
}

// hydrate reads the durable snapshot and reconciles it into memory if
// it is newer than what a concurrent Write may have installed. It
// runs on a detached context: the reader that triggered it may cancel
// long before the backend responds, and a canceled hydration must not
// mark the conversation as done. A failed read leaves the
// conversation eligible for another hydration attempt on the next
// Read.
func (c *Cache) hydrate(conversationID string) {
	durable, err := c.storage.Read(context.Background(), conversationID)

	c.mu.Lock()
	c.hydrating[conversationID] = false
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Nothing durable exists; memory is authoritative.
			c.hydrated[conversationID] = true
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.logger.Warn("snapshot hydration failed",
			"conversation", conversationID,
			"error", err,
		)
		return
	}

	current := c.snapshots[conversationID]
	if current != nil && !durable.UpdatedAt.After(current.UpdatedAt) {
		// Memory already has equal or newer data; keep it.
		c.hydrated[conversationID] = true
		c.mu.Unlock()
		return
	}

	c.snapshots[conversationID] = durable
	c.hydrated[conversationID] = true
	subs := c.subscribersLocked(conversationID)
	c.mu.Unlock()

	for _, notify := range subs {
		notify(durable.Clone())
	}
}

// subscribersLocked copies the subscriber list for a conversation.
// Must be called with c.mu held; the copy is invoked without the lock.
func (c *Cache) subscribersLocked(conversationID string) []func(*Snapshot) {
	subs := make([]func(*Snapshot), 0, len(c.subscribers[conversationID]))
	for _, fn := range c.subscribers[conversationID] {
		subs = append(subs, fn)
	}
	return subs
}
