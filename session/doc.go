// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session layers an authenticated encrypted channel over any
// transport, so the conversation's privacy does not depend on which
// driver happens to be carrying it.
//
// Each endpoint holds a long-lived X25519 identity keypair
// ([Identity], persisted across runs) and, per session, a fresh random
// salt and a rotation timestamp. On transmitter attach a [Session]
// sends its handshake envelope and arms a timeout; when the peer's
// handshake arrives, both sides combine the two salts in a
// deterministic order and run the ECDH shared secret through
// HKDF-SHA256 to produce one AES-256-GCM key, identical on both
// ends regardless of which handshake traveled first.
//
// Peer identity is verified by fingerprint pinning: the first
// handshake pins the peer's fingerprint through a [TrustStore], and
// any later handshake presenting a different fingerprint fails the
// session with [ErrFingerprintMismatch]. This is fail-closed; recovery
// requires an explicit re-trust by the user.
//
// The low-level primitives sit behind [Provider] so tests can
// substitute deterministic implementations without touching the
// handshake protocol.
package session
