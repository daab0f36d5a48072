// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testSnapshot(conversationID string, updatedAt time.Time, messageIDs ...string) *Snapshot {
	messages := make([]Message, 0, len(messageIDs))
	base := time.Unix(1700000000, 0).UTC()
	for i, id := range messageIDs {
		messages = append(messages, Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       "friend-1",
			Body:           "message " + id,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
	}
	return &Snapshot{
		Conversation: Conversation{
			ID:        conversationID,
			FriendID:  "friend-1",
			CreatedAt: base,
		},
		Messages:   messages,
		NextCursor: "",
		UpdatedAt:  updatedAt,
	}
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()
	ctx := context.Background()

	if _, err := storage.Read(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read of missing conversation: err = %v, want ErrNotFound", err)
	}

	in := testSnapshot("conv-1", time.Unix(1700000100, 0).UTC(), "m1", "m2")
	if err := storage.Write(ctx, "conv-1", in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := storage.Read(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out.Messages) != 2 || out.Messages[0].ID != "m1" {
		t.Errorf("read back %d messages, first %q", len(out.Messages), out.Messages[0].ID)
	}

	// Mutating the returned snapshot must not affect the stored copy.
	out.Messages[0].Body = "mutated"
	again, _ := storage.Read(ctx, "conv-1")
	if again.Messages[0].Body == "mutated" {
		t.Error("stored snapshot was mutated through a read result")
	}
}

func TestMemoryStorageClosed(t *testing.T) {
	storage := NewMemoryStorage()
	storage.Close()
	if err := storage.Write(context.Background(), "c", testSnapshot("c", time.Now())); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close: err = %v, want ErrClosed", err)
	}
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	storage, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer storage.Close()
	ctx := context.Background()

	if _, err := storage.Read(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read of missing conversation: err = %v, want ErrNotFound", err)
	}

	in := testSnapshot("conv-1", time.Unix(1700000100, 0).UTC(), "m1", "m2", "m3")
	in.NextCursor = "m1"
	if err := storage.Write(ctx, "conv-1", in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := storage.Read(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(out.Messages))
	}
	if out.NextCursor != "m1" {
		t.Errorf("NextCursor = %q, want m1", out.NextCursor)
	}
	if !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", out.UpdatedAt, in.UpdatedAt)
	}
}

func TestSQLiteStorageOverwrite(t *testing.T) {
	storage, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer storage.Close()
	ctx := context.Background()

	first := testSnapshot("conv-1", time.Unix(1700000100, 0).UTC(), "m1")
	second := testSnapshot("conv-1", time.Unix(1700000200, 0).UTC(), "m1", "m2")
	if err := storage.Write(ctx, "conv-1", first); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := storage.Write(ctx, "conv-1", second); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	out, err := storage.Read(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Errorf("messages after overwrite = %d, want 2", len(out.Messages))
	}
}

func TestSQLiteStorageIncompressibleBody(t *testing.T) {
	storage, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer storage.Close()
	ctx := context.Background()

	// A single tiny message compresses to nothing; LZ4 stores it raw.
	tiny := testSnapshot("conv-tiny", time.Unix(1700000100, 0).UTC(), "m")
	tiny.Messages[0].Body = "x"
	if err := storage.Write(ctx, "conv-tiny", tiny); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := storage.Read(ctx, "conv-tiny")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out.Messages[0].Body != "x" {
		t.Errorf("body = %q, want x", out.Messages[0].Body)
	}

	// A highly repetitive body exercises the compressed path.
	big := testSnapshot("conv-big", time.Unix(1700000100, 0).UTC(), "m")
	big.Messages[0].Body = strings.Repeat("the same words over and over ", 200)
	if err := storage.Write(ctx, "conv-big", big); err != nil {
		t.Fatalf("Write big: %v", err)
	}
	out, err = storage.Read(ctx, "conv-big")
	if err != nil {
		t.Fatalf("Read big: %v", err)
	}
	if out.Messages[0].Body != big.Messages[0].Body {
		t.Error("compressed body did not round-trip")
	}
}

func TestCacheReadThrough(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()
	ctx := context.Background()

	durable := testSnapshot("conv-1", time.Unix(1700000100, 0).UTC(), "m1", "m2")
	if err := storage.Write(ctx, "conv-1", durable); err != nil {
		t.Fatalf("seeding storage: %v", err)
	}

	cache := NewCache(storage, nil)

	var mu sync.Mutex
	var notified *Snapshot
	done := make(chan struct{})
	cache.Subscribe("conv-1", func(s *Snapshot) {
		mu.Lock()
		notified = s
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	// First read: memory is cold, returns nil, hydration starts.
	if snapshot := cache.Read(ctx, "conv-1"); snapshot != nil {
		t.Errorf("cold read returned %+v, want nil", snapshot)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("hydration never notified subscriber")
	}

	mu.Lock()
	if notified == nil || len(notified.Messages) != 2 {
		t.Fatalf("subscriber got %+v, want 2-message snapshot", notified)
	}
	mu.Unlock()

	// Second read serves from memory.
	if snapshot := cache.Read(ctx, "conv-1"); snapshot == nil || len(snapshot.Messages) != 2 {
		t.Error("warm read did not serve hydrated snapshot")
	}
}

func TestCacheWriteSupersedesHydration(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()
	ctx := context.Background()

	stale := testSnapshot("conv-1", time.Unix(1700000100, 0).UTC(), "m1")
	if err := storage.Write(ctx, "conv-1", stale); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	cache := NewCache(storage, nil)
	fresh := testSnapshot("conv-1", time.Unix(1700000500, 0).UTC(), "m1", "m2", "m3")
	cache.Write(ctx, "conv-1", fresh)
	cache.Flush()

	snapshot := cache.Read(ctx, "conv-1")
	if snapshot == nil || len(snapshot.Messages) != 3 {
		t.Fatalf("read after write = %+v, want the 3-message snapshot", snapshot)
	}

	// The write must also have reached the backend.
	durable, err := storage.Read(ctx, "conv-1")
	if err != nil {
		t.Fatalf("backend read: %v", err)
	}
	if len(durable.Messages) != 3 {
		t.Errorf("backend has %d messages, want 3", len(durable.Messages))
	}
}

// flakyStorage fails the first N reads, then behaves normally.
type flakyStorage struct {
	*MemoryStorage
	mu       sync.Mutex
	failures int
}

func (s *flakyStorage) Read(ctx context.Context, conversationID string) (*Snapshot, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("backend unavailable")
	}
	s.mu.Unlock()
	return s.MemoryStorage.Read(ctx, conversationID)
}

func TestCacheHydrationRetriesAfterFailure(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()
	ctx := context.Background()

	durable := testSnapshot("conv-1", time.Unix(1700000100, 0).UTC(), "m1", "m2")
	if err := storage.Write(ctx, "conv-1", durable); err != nil {
		t.Fatalf("seeding storage: %v", err)
	}

	flaky := &flakyStorage{MemoryStorage: storage, failures: 1}
	cache := NewCache(flaky, nil)

	done := make(chan struct{})
	cache.Subscribe("conv-1", func(*Snapshot) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	// The triggering reader's context is already canceled; hydration
	// must not inherit it.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	cache.Read(canceled, "conv-1")

	// The first hydration fails. Subsequent reads retry until the
	// backend recovers.
	deadline := time.After(5 * time.Second)
	for {
		cache.Read(ctx, "conv-1")
		select {
		case <-done:
			snapshot := cache.Read(ctx, "conv-1")
			if snapshot == nil || len(snapshot.Messages) != 2 {
				t.Fatalf("read after recovery = %+v, want the durable snapshot", snapshot)
			}
			return
		case <-deadline:
			t.Fatal("hydration never recovered from the failed read")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCacheUnsubscribe(t *testing.T) {
	cache := NewCache(NewMemoryStorage(), nil)
	calls := 0
	unsubscribe := cache.Subscribe("conv-1", func(*Snapshot) { calls++ })
	unsubscribe()
	cache.Write(context.Background(), "conv-1", testSnapshot("conv-1", time.Now()))
	cache.Flush()
	if calls != 0 {
		t.Errorf("unsubscribed callback ran %d times", calls)
	}
}
