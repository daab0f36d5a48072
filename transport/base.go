// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"log/slog"
	"sync"
)

// base carries the state machine, readiness signal, and subscriber
// fan-out shared by every driver. Drivers embed it and drive it from
// their connection callbacks.
//
// Subscriber callbacks run without the internal lock held, so a
// callback may call back into the transport (for example, Send from
// an OnStateChange handler).
type base struct {
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	terminalErr error
	nextSubID   int
	messageSubs map[int]func([]byte)
	stateSubs   map[int]func(State)
	errorSubs   map[int]func(error)

	ready     chan struct{}
	readyOnce sync.Once
}

func newBase(logger *slog.Logger) base {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return base{
		logger:      logger,
		state:       StateIdle,
		messageSubs: make(map[int]func([]byte)),
		stateSubs:   make(map[int]func(State)),
		errorSubs:   make(map[int]func(error)),
		ready:       make(chan struct{}),
	}
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Ready() <-chan struct{} { return b.ready }

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminalErr
}

func (b *base) OnMessage(fn func([]byte)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.messageSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.messageSubs, id)
	}
}

func (b *base) OnStateChange(fn func(State)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.stateSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.stateSubs, id)
	}
}

func (b *base) OnError(fn func(error)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.errorSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.errorSubs, id)
	}
}

// setState transitions to next and notifies state subscribers.
// Transitions out of a terminal state are ignored, so a late ICE
// callback cannot resurrect a closed transport.
func (b *base) setState(next State) {
	b.mu.Lock()
	if b.state == next || b.state == StateClosed || b.state == StateError {
		b.mu.Unlock()
		return
	}
	previous := b.state
	b.state = next
	subs := make([]func(State), 0, len(b.stateSubs))
	for _, fn := range b.stateSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	b.logger.Debug("transport state change",
		"from", previous.String(),
		"to", next.String(),
	)
	for _, fn := range subs {
		fn(next)
	}
}

// emitMessage fans an inbound payload out to message subscribers.
func (b *base) emitMessage(payload []byte) {
	b.mu.Lock()
	subs := make([]func([]byte), 0, len(b.messageSubs))
	for _, fn := range b.messageSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(payload)
	}
}

// emitError fans an asynchronous error out to error subscribers.
func (b *base) emitError(err error) {
	b.mu.Lock()
	subs := make([]func(error), 0, len(b.errorSubs))
	for _, fn := range b.errorSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}

// markReady resolves the readiness signal (first successful connect).
func (b *base) markReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

// fail records a terminal error, transitions to StateError, and
// resolves the readiness signal so waiters see the failure.
func (b *base) fail(err error) {
	b.mu.Lock()
	if b.terminalErr == nil {
		b.terminalErr = err
	}
	b.mu.Unlock()

	b.setState(StateError)
	b.readyOnce.Do(func() { close(b.ready) })
}
