// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport normalizes the low-level peer connections a
// conversation can run over behind one [Transport] contract:
// connect/disconnect/send, message/state/error subscriptions, and a
// readiness signal that resolves on the first successful connection.
//
// Two concrete drivers exist, both on pion/webrtc data channels:
// [NewReliable] opens an ordered, fully retransmitted channel (the
// preferred driver for chat traffic), and [NewDatagram] opens an
// unordered channel with retransmits disabled for latency-sensitive
// use. [NewAuto] composes them: it attempts the reliable driver first
// and falls back to the datagram driver before surfacing
// [ErrTransportUnavailable].
//
// Connection establishment is vanilla ICE — all candidates are
// gathered before the description is published — and the
// offer/answer exchange itself is abstracted behind [Exchange], which
// the signaling controller implements with self-contained invite and
// answer tokens.
//
// [Switcher] owns the one active Transport for a conversation and
// hot-swaps between transport modes without losing conversation
// state. Switch requests are serialized through a single queue so
// overlapping requests can never leave two handles connected at once.
package transport
