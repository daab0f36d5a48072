// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// standard pragmas applied to every connection. The conversation
// snapshot store and the fingerprint trust store both open their
// databases through this package so WAL mode, busy timeouts, and cache
// sizing are consistent.
package sqlitepool
