// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the timer-heavy parts of
// backchannel: signaling token expiry, handshake timeouts, pending
// ack/request deadlines, heartbeat intervals, and presence TTL sweeps.
//
// Production code injects Real(); tests inject Fake() and drive time
// with Advance, making every timeout and liveness behavior
// deterministic. Code under this module never calls the time package's
// scheduling functions directly.
package clock
