// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// memoryExchange is an in-process Exchange shared by a host and a
// guest transport under test.
type memoryExchange struct {
	sessionID string
	offers    chan string
	answers   chan string
}

func newMemoryExchange(sessionID string) *memoryExchange {
	return &memoryExchange{
		sessionID: sessionID,
		offers:    make(chan string, 1),
		answers:   make(chan string, 1),
	}
}

func (e *memoryExchange) SessionID() string { return e.sessionID }

func (e *memoryExchange) PublishOffer(_ context.Context, description string) error {
	e.offers <- description
	return nil
}

func (e *memoryExchange) AwaitAnswer(ctx context.Context) (string, error) {
	select {
	case description := <-e.answers:
		return description, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *memoryExchange) AwaitOffer(ctx context.Context) (string, error) {
	select {
	case description := <-e.offers:
		return description, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *memoryExchange) PublishAnswer(_ context.Context, description string) error {
	e.answers <- description
	return nil
}

// fakeTransport is a scriptable Transport for switcher and auto tests.
type fakeTransport struct {
	base

	connectErr error

	mu           sync.Mutex
	connected    bool
	disconnected bool
}

func newFakeTransport(connectErr error) *fakeTransport {
	return &fakeTransport{base: newBase(testLogger()), connectErr: connectErr}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		f.fail(f.connectErr)
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.setState(StateConnected)
	f.markReady()
	return nil
}

func (f *fakeTransport) Send(payload []byte) error {
	if f.State() != StateConnected {
		return ErrNotConnected
	}
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
	f.setState(StateClosed)
	return nil
}

func (f *fakeTransport) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func TestStateString(t *testing.T) {
	pairs := map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateConnected:  "connected",
		StateDegraded:   "degraded",
		StateRecovering: "recovering",
		StateClosed:     "closed",
		StateError:      "error",
	}
	for state, want := range pairs {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestSendBeforeConnectFailsWithNotConnected(t *testing.T) {
	fake := newFakeTransport(nil)
	if err := fake.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect: err = %v, want ErrNotConnected", err)
	}
}

func TestBaseTerminalStateSticks(t *testing.T) {
	b := newBase(testLogger())
	b.fail(errors.New("boom"))
	b.setState(StateConnected)
	if b.State() != StateError {
		t.Errorf("state after fail+setState = %v, want StateError", b.State())
	}

	select {
	case <-b.Ready():
	default:
		t.Error("Ready not resolved after terminal failure")
	}
	if b.Err() == nil {
		t.Error("Err() = nil after terminal failure")
	}
}

func TestBaseUnsubscribe(t *testing.T) {
	b := newBase(testLogger())
	calls := 0
	unsubscribe := b.OnStateChange(func(State) { calls++ })
	b.setState(StateConnecting)
	unsubscribe()
	b.setState(StateConnected)
	if calls != 1 {
		t.Errorf("state callback ran %d times, want 1", calls)
	}
}
