// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// State is the single source of truth for one transport instance.
type State int

const (
	// StateIdle is the initial state, before Connect.
	StateIdle State = iota
	// StateConnecting means establishment (signaling, ICE, channel
	// open) is in progress.
	StateConnecting
	// StateConnected means the data channel is open and Send works.
	StateConnected
	// StateDegraded means the ICE connection dropped but may come
	// back without full re-establishment.
	StateDegraded
	// StateRecovering means ICE is re-checking after a degradation.
	StateRecovering
	// StateClosed is terminal: the transport was shut down cleanly.
	StateClosed
	// StateError is terminal: establishment or the live connection
	// failed irrecoverably.
	StateError
)

// String returns the lower-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Send when the transport is not in
// StateConnected. The conversation channel checks for it with
// errors.Is to decide on the HTTP relay fallback.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned by operations on a transport after Disconnect.
var ErrClosed = errors.New("transport: closed")

// ErrTransportUnavailable means no driver could establish a
// connection for the requested mode. Non-fatal: callers fall back to
// the relay path or report it to the user.
var ErrTransportUnavailable = errors.New("transport: no viable driver")

// Role determines which side of the offer/answer exchange this
// endpoint plays during establishment.
type Role int

const (
	// RoleNone means no role has been selected yet.
	RoleNone Role = iota
	// RoleHost produces the offer (invite token) and waits for the
	// answer.
	RoleHost
	// RoleGuest waits for an offer and produces the answer.
	RoleGuest
)

// String returns the lower-case role name.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// Exchange is how a driver trades session descriptions with its peer
// during establishment. The signaling controller implements it on top
// of self-contained tokens; tests implement it with in-process
// channels. All methods honor context cancellation.
type Exchange interface {
	// SessionID identifies the signaling session both descriptions
	// belong to.
	SessionID() string

	// PublishOffer hands the complete local offer description to the
	// peer (host side).
	PublishOffer(ctx context.Context, description string) error

	// AwaitAnswer blocks until the peer's answer description arrives
	// (host side).
	AwaitAnswer(ctx context.Context) (string, error)

	// AwaitOffer blocks until the peer's offer description arrives
	// (guest side).
	AwaitOffer(ctx context.Context) (string, error)

	// PublishAnswer hands the complete local answer description to
	// the peer (guest side).
	PublishAnswer(ctx context.Context, description string) error
}

// Transport is the contract every driver satisfies. The conversation
// channel and the mode switcher only ever talk to this interface.
//
// Implementations are safe for concurrent use. Callbacks registered
// with the On* methods are invoked without internal locks held and
// may call back into the transport.
type Transport interface {
	// Connect establishes the connection. Blocks until the data
	// channel is open or establishment fails. Calling Connect on a
	// closed or failed transport returns ErrClosed.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Safe to call repeatedly.
	Disconnect() error

	// Send delivers one payload to the peer. Returns ErrNotConnected
	// unless the state is StateConnected.
	Send(payload []byte) error

	// OnMessage registers a handler for inbound payloads. The
	// returned function unsubscribes.
	OnMessage(fn func(payload []byte)) (unsubscribe func())

	// OnStateChange registers a handler for state transitions.
	OnStateChange(fn func(state State)) (unsubscribe func())

	// OnError registers a handler for asynchronous errors that are
	// not tied to a specific call (ICE failures, send errors from
	// the datagram path).
	OnError(fn func(err error)) (unsubscribe func())

	// State returns the current state.
	State() State

	// Ready returns a channel that is closed once the first
	// successful connection completes, or when establishment fails
	// terminally. After Ready is closed, Err distinguishes the two.
	Ready() <-chan struct{}

	// Err returns the terminal error, or nil if the transport became
	// ready (or is still establishing).
	Err() error
}
