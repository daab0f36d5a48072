// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the conversation protocol that runs over
// an established transport and crypto session: message delivery with
// acknowledgments, history synchronization and backward pagination,
// ephemeral presence, and heartbeat liveness.
//
// Every wire frame is JSON with a mandatory type discriminator, and
// the set of frames is closed: [DecodeFrame] returns one of the
// concrete types in this package or an error, never a partially
// understood frame.
//
// [Channel] owns the conversation's live state. Sends are optimistic
// (the local copy lands in the cache before any acknowledgment) and
// degrade gracefully: with no usable transport the message goes
// through the HTTP relay, and if that also fails it waits in an
// outbound queue that drains, oldest first, when a transport next
// attaches. Client message IDs make every path idempotent.
package channel
