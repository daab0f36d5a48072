// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Mode names a transport family the conversation can run over.
type Mode string

const (
	// ModeReliable forces the ordered, fully retransmitted driver.
	ModeReliable Mode = "reliable"
	// ModeDatagram forces the unordered, low-latency driver.
	ModeDatagram Mode = "datagram"
	// ModeAuto prefers reliable and falls back to datagram.
	ModeAuto Mode = "auto"
)

// Switcher owns exactly one active Transport and hot-swaps between
// modes without losing conversation state. All switch requests funnel
// through a single worker goroutine, so overlapping requests execute
// strictly in order and two handles can never be connected at once.
type Switcher struct {
	factories map[Mode]Factory
	logger    *slog.Logger

	mu        sync.Mutex
	current   Transport
	mode      Mode
	lastError error
	closed    bool

	requests     chan switchRequest
	done         chan struct{}
	workerExited chan struct{}

	subMu       sync.Mutex
	nextSubID   int
	switchSubs  map[int]func(Mode, Transport)
}

// switchRequest is one queued switch. result receives exactly one
// value.
type switchRequest struct {
	ctx    context.Context
	mode   Mode
	result chan error
}

// NewSwitcher creates a switcher over the given mode factories. No
// transport is active until the first QueueSwitch succeeds.
func NewSwitcher(factories map[Mode]Factory, logger *slog.Logger) *Switcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Switcher{
		factories:    factories,
		logger:       logger,
		requests:     make(chan switchRequest, 16),
		done:         make(chan struct{}),
		workerExited: make(chan struct{}),
		switchSubs:   make(map[int]func(Mode, Transport)),
	}
	go s.worker()
	return s
}

// Current returns the active transport, or nil before the first
// successful switch.
func (s *Switcher) Current() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Mode returns the active mode, or empty before the first successful
// switch.
func (s *Switcher) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// LastError returns the error recorded by the most recent failed
// switch attempt.
func (s *Switcher) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// OnSwitch registers a handler invoked after each successful switch
// with the new mode and handle. The returned function unsubscribes.
func (s *Switcher) OnSwitch(fn func(Mode, Transport)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.switchSubs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.switchSubs, id)
	}
}

// QueueSwitch enqueues a switch to the given mode and blocks until
// that request has been executed (or the switcher is torn down). If
// the requested mode already matches the active handle the request is
// a no-op success. On failure the previous handle stays active and
// the error is recorded and returned.
func (s *Switcher) QueueSwitch(ctx context.Context, mode Mode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	request := switchRequest{ctx: ctx, mode: mode, result: make(chan error, 1)}
	select {
	case s.requests <- request:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		// The request may still execute; the worker handles its own
		// context check. The caller just stops waiting.
		return ctx.Err()
	}
}

// Teardown waits for any in-flight switch to finish, then disconnects
// the active transport. The switcher is unusable afterwards.
func (s *Switcher) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Stop the worker and wait for any in-flight switch to finish.
	// An in-flight executeSwitch sees closed at its promotion step
	// and discards its candidate instead of promoting it.
	close(s.done)
	select {
	case <-s.workerExited:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()

	if current != nil {
		return current.Disconnect()
	}
	return nil
}

// worker executes queued switch requests one at a time.
func (s *Switcher) worker() {
	defer close(s.workerExited)
	for {
		select {
		case <-s.done:
			return
		case request := <-s.requests:
			request.result <- s.executeSwitch(request.ctx, request.mode)
		}
	}
}

// executeSwitch performs one switch: no-op on same mode, otherwise
// connect-new-then-retire-old. A failed connect discards the new
// handle and keeps the previous one active.
func (s *Switcher) executeSwitch(ctx context.Context, mode Mode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.current != nil && s.mode == mode {
		s.mu.Unlock()
		return nil
	}
	previous := s.current
	s.mu.Unlock()

	factory, ok := s.factories[mode]
	if !ok {
		err := fmt.Errorf("%w: unknown mode %q", ErrTransportUnavailable, mode)
		s.recordError(err)
		return err
	}

	candidate := factory()
	if err := candidate.Connect(ctx); err != nil {
		candidate.Disconnect()
		err = fmt.Errorf("transport: switching to %s: %w", mode, err)
		s.recordError(err)
		s.logger.Warn("mode switch failed, keeping previous transport",
			"mode", string(mode),
			"error", err,
		)
		return err
	}

	// Promote the new handle, then retire the old one. The ordering
	// window where both exist is confined to this worker goroutine;
	// observers only ever see the promoted handle.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		candidate.Disconnect()
		return ErrClosed
	}
	s.current = candidate
	s.mode = mode
	s.lastError = nil
	s.mu.Unlock()

	if previous != nil {
		previous.Disconnect()
	}

	s.logger.Info("transport mode switched", "mode", string(mode))

	s.subMu.Lock()
	subs := make([]func(Mode, Transport), 0, len(s.switchSubs))
	for _, fn := range s.switchSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(mode, candidate)
	}
	return nil
}

func (s *Switcher) recordError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
}
