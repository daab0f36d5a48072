// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Compile-time interface check.
var _ Transport = (*Auto)(nil)

// Factory constructs a fresh Transport instance. The mode switcher
// and the Auto driver both create transports through factories so a
// failed handle can always be discarded and rebuilt.
type Factory func() Transport

// Auto is a Transport that selects between two underlying drivers at
// connect time: it attempts the preferred factory first and falls
// back to the secondary before surfacing ErrTransportUnavailable.
// After Connect, it is a transparent passthrough to the winner.
type Auto struct {
	base

	preferred Factory
	fallback  Factory

	mu     sync.Mutex
	active Transport
	closed bool
}

// NewAuto creates an Auto driver from the two factories.
func NewAuto(preferred, fallback Factory, logger *slog.Logger) *Auto {
	return &Auto{
		base:      newBase(logger),
		preferred: preferred,
		fallback:  fallback,
	}
}

// Connect tries the preferred driver, then the fallback. On success
// the winning driver's events are bridged through this transport's
// own subscriptions, so callers never observe the swap.
func (a *Auto) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()

	a.setState(StateConnecting)

	candidate := a.preferred()
	firstErr := candidate.Connect(ctx)
	if firstErr != nil {
		candidate.Disconnect()
		if ctx.Err() != nil {
			a.fail(ctx.Err())
			return ctx.Err()
		}
		a.logger.Warn("preferred driver failed, trying fallback", "error", firstErr)

		candidate = a.fallback()
		if secondErr := candidate.Connect(ctx); secondErr != nil {
			candidate.Disconnect()
			err := fmt.Errorf("%w: preferred: %v; fallback: %v",
				ErrTransportUnavailable, firstErr, secondErr)
			a.fail(err)
			return err
		}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		candidate.Disconnect()
		return ErrClosed
	}
	a.active = candidate
	a.mu.Unlock()

	// Bridge the winner's events into our own fan-out.
	candidate.OnMessage(func(payload []byte) { a.emitMessage(payload) })
	candidate.OnError(func(err error) { a.emitError(err) })
	candidate.OnStateChange(func(state State) { a.setState(state) })

	a.setState(StateConnected)
	a.markReady()
	return nil
}

func (a *Auto) Send(payload []byte) error {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active == nil {
		return ErrNotConnected
	}
	return active.Send(payload)
}

func (a *Auto) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	active := a.active
	a.active = nil
	a.mu.Unlock()

	var err error
	if active != nil {
		err = active.Disconnect()
	}
	a.setState(StateClosed)
	return err
}
