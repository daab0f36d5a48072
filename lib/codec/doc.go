// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for conversation
// snapshots at rest. Encoding is Core Deterministic (RFC 8949 §4.2) so
// the same snapshot always produces identical bytes, which keeps the
// store's content checksums stable across writes of unchanged data.
//
// The wire protocol does not use this package: frames and signaling
// tokens are JSON by contract.
package codec
