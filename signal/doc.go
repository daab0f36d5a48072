// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal establishes peer connections by trading
// self-contained tokens instead of talking to a signaling server. A
// [Token] carries one complete session description (offer or answer)
// as base64-encoded JSON, so it can move over any side channel the
// users already share: a chat message, a QR code, or the optional
// [Relay].
//
// [Controller] drives the exchange. The host side selects
// [transport.RoleHost], publishes an invite token, and waits for the
// matching answer; the guest side applies the invite it received and
// publishes an answer. The controller implements [transport.Exchange],
// so a transport driver can run its offer/answer handshake directly
// against it. Tokens expire after a fixed window and every applied
// token is remembered by kind and payload, making delivery through
// lossy or duplicating side channels idempotent.
package signal
