// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides the durable conversation cache: a keyed
// snapshot of conversation metadata, its messages, and the pagination
// cursor for older history.
//
// [ConversationStorage] is the persistence contract. [SQLiteStorage]
// is the durable implementation (deterministic CBOR, LZ4-compressed,
// BLAKE3-checksummed rows in a SQLite database); [MemoryStorage] is
// the fallback when no durable path is available and preserves
// identical semantics.
//
// [Cache] layers a read-through in-memory copy over a storage backend:
// reads return the in-memory snapshot immediately and reconcile with
// the durable copy asynchronously, re-notifying subscribers when the
// durable copy turns out to be newer. The conversation channel owns a
// Cache and funnels every inbound and outbound event through it.
package store
