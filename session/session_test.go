// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/backchannel/lib/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testStart() time.Time {
	return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
}

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	pair, err := Default().GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return NewIdentity(pair, Default())
}

func newTestSession(t *testing.T, sessionID string, clk clock.Clock) *Session {
	t.Helper()
	s, err := New(Config{
		SessionID: sessionID,
		Identity:  newTestIdentity(t),
		Logger:    testLogger(),
		Clock:     clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// captureSend returns a transmitter that stores every sent frame.
func captureSend(frames *[][]byte) func([]byte) error {
	return func(raw []byte) error {
		*frames = append(*frames, append([]byte(nil), raw...))
		return nil
	}
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testStart())
	left := newTestSession(t, "s1", clk)
	right := newTestSession(t, "s1", clk)

	var fromLeft, fromRight [][]byte
	if err := left.Attach(captureSend(&fromLeft)); err != nil {
		t.Fatal(err)
	}
	if err := right.Attach(captureSend(&fromRight)); err != nil {
		t.Fatal(err)
	}
	if len(fromLeft) != 1 || len(fromRight) != 1 {
		t.Fatalf("expected one handshake each, got %d and %d", len(fromLeft), len(fromRight))
	}

	if err := left.HandleFrame(ctx, fromRight[0]); err != nil {
		t.Fatalf("left HandleFrame: %v", err)
	}
	if err := right.HandleFrame(ctx, fromLeft[0]); err != nil {
		t.Fatalf("right HandleFrame: %v", err)
	}

	for name, s := range map[string]*Session{"left": left, "right": right} {
		select {
		case <-s.Ready():
		default:
			t.Fatalf("%s Ready not resolved after handshake", name)
		}
		if err := s.Err(); err != nil {
			t.Fatalf("%s failed: %v", name, err)
		}
	}
	if left.PeerFingerprint() != right.LocalFingerprint() {
		t.Error("left's view of the peer fingerprint is wrong")
	}

	// Frames encrypted by one side must open on the other: both
	// derived the same key from handshakes that crossed in flight.
	var received [][]byte
	defer right.OnPlaintext(func(p []byte) { received = append(received, p) })()

	env, err := left.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := right.HandleFrame(ctx, raw); err != nil {
		t.Fatalf("data HandleFrame: %v", err)
	}
	if len(received) != 1 || string(received[0]) != "hello" {
		t.Fatalf("received %q, want [hello]", received)
	}
}

func TestCombinedSaltCommutative(t *testing.T) {
	saltA := bytes.Repeat([]byte{0xaa}, saltSize)
	saltB := bytes.Repeat([]byte{0xbb}, saltSize)
	early := testStart()
	late := early.Add(time.Minute)

	if !bytes.Equal(combineSalts(saltA, early, saltB, late), combineSalts(saltB, late, saltA, early)) {
		t.Error("combined salt differs when peers swap roles (distinct timestamps)")
	}
	if !bytes.Equal(combineSalts(saltA, early, saltB, early), combineSalts(saltB, early, saltA, early)) {
		t.Error("combined salt differs when peers swap roles (equal timestamps)")
	}

	// Earlier rotation orders first regardless of salt bytes.
	got := combineSalts(saltB, early, saltA, late)
	want := append(append([]byte(nil), saltB...), saltA...)
	if !bytes.Equal(got, want) {
		t.Error("combined salt not ordered by rotation timestamp")
	}
}

func TestFingerprintPinningFailsClosed(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testStart())
	victim := newTestSession(t, "s1", clk)

	var sink [][]byte
	if err := victim.Attach(captureSend(&sink)); err != nil {
		t.Fatal(err)
	}

	genuine := newTestSession(t, "s1", clk)
	var genuineFrames [][]byte
	if err := genuine.Attach(captureSend(&genuineFrames)); err != nil {
		t.Fatal(err)
	}
	if err := victim.HandleFrame(ctx, genuineFrames[0]); err != nil {
		t.Fatalf("first handshake: %v", err)
	}

	// A different identity presenting itself on the same session must
	// be rejected, and the session must stay failed afterwards.
	imposter := newTestSession(t, "s1", clk)
	var imposterFrames [][]byte
	if err := imposter.Attach(captureSend(&imposterFrames)); err != nil {
		t.Fatal(err)
	}
	err := victim.HandleFrame(ctx, imposterFrames[0])
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("HandleFrame = %v, want ErrFingerprintMismatch", err)
	}
	if !errors.Is(victim.Err(), ErrFingerprintMismatch) {
		t.Errorf("Err = %v, want ErrFingerprintMismatch", victim.Err())
	}

	// Even the genuine peer cannot resurrect a failed session.
	if err := victim.HandleFrame(ctx, genuineFrames[0]); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("failed session accepted a handshake: %v", err)
	}
}

func TestEarlyFramesBufferedAndReplayedInOrder(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testStart())
	sender := newTestSession(t, "s1", clk)
	receiver := newTestSession(t, "s1", clk)

	var senderFrames, receiverFrames [][]byte
	if err := sender.Attach(captureSend(&senderFrames)); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Attach(captureSend(&receiverFrames)); err != nil {
		t.Fatal(err)
	}

	// Sender completes its side first and starts emitting data.
	if err := sender.HandleFrame(ctx, receiverFrames[0]); err != nil {
		t.Fatal(err)
	}
	encrypt := func(body string) []byte {
		env, err := sender.Encrypt([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		raw, err := env.Encode()
		if err != nil {
			t.Fatal(err)
		}
		return raw
	}
	first := encrypt("first")
	second := encrypt("second")

	var received []string
	defer receiver.OnPlaintext(func(p []byte) { received = append(received, string(p)) })()

	// Data outruns the handshake: both frames arrive before the
	// sender's handshake does.
	if err := receiver.HandleFrame(ctx, first); err != nil {
		t.Fatalf("early frame: %v", err)
	}
	if err := receiver.HandleFrame(ctx, second); err != nil {
		t.Fatalf("early frame: %v", err)
	}
	if len(received) != 0 {
		t.Fatalf("frames delivered before key established: %q", received)
	}

	if err := receiver.HandleFrame(ctx, senderFrames[0]); err != nil {
		t.Fatal(err)
	}
	if len(received) != 2 || received[0] != "first" || received[1] != "second" {
		t.Errorf("replayed %q, want [first second]", received)
	}
}

func TestHandshakeTimeoutFailsReady(t *testing.T) {
	clk := clock.Fake(testStart())
	s := newTestSession(t, "s1", clk)

	var sink [][]byte
	if err := s.Attach(captureSend(&sink)); err != nil {
		t.Fatal(err)
	}
	clk.Advance(handshakeTimeout)

	select {
	case <-s.Ready():
	default:
		t.Fatal("Ready not resolved after timeout")
	}
	if !errors.Is(s.Err(), ErrHandshakeTimeout) {
		t.Errorf("Err = %v, want ErrHandshakeTimeout", s.Err())
	}
}

func TestDecryptFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testStart())
	left := newTestSession(t, "s1", clk)
	right := newTestSession(t, "s1", clk)

	var fromLeft, fromRight [][]byte
	if err := left.Attach(captureSend(&fromLeft)); err != nil {
		t.Fatal(err)
	}
	if err := right.Attach(captureSend(&fromRight)); err != nil {
		t.Fatal(err)
	}
	if err := left.HandleFrame(ctx, fromRight[0]); err != nil {
		t.Fatal(err)
	}
	if err := right.HandleFrame(ctx, fromLeft[0]); err != nil {
		t.Fatal(err)
	}

	env, err := left.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	env.Ciphertext[0] ^= 0xff
	raw, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := right.HandleFrame(ctx, raw); err == nil {
		t.Error("tampered frame accepted")
	}
	if right.Err() != nil {
		t.Errorf("tampered frame killed the session: %v", right.Err())
	}

	// The session still works after the drop.
	var received [][]byte
	defer right.OnPlaintext(func(p []byte) { received = append(received, p) })()
	good, err := left.Encrypt([]byte("still alive"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err = good.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := right.HandleFrame(ctx, raw); err != nil {
		t.Fatalf("good frame after drop: %v", err)
	}
	if len(received) != 1 || string(received[0]) != "still alive" {
		t.Errorf("received %q, want [still alive]", received)
	}
}

func TestEnvelopeForOtherSessionRejected(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testStart())
	s := newTestSession(t, "s1", clk)

	stranger := newTestSession(t, "s2", clk)
	var frames [][]byte
	if err := stranger.Attach(captureSend(&frames)); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleFrame(ctx, frames[0]); err == nil {
		t.Error("accepted a handshake addressed to another session")
	}
	if s.Established() {
		t.Error("cross-session handshake established the session")
	}
}

func TestReattachResendsHandshake(t *testing.T) {
	clk := clock.Fake(testStart())
	s := newTestSession(t, "s1", clk)

	var first, second [][]byte
	if err := s.Attach(captureSend(&first)); err != nil {
		t.Fatal(err)
	}
	if err := s.Attach(captureSend(&second)); err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Fatalf("re-attach sent %d handshakes, want 1", len(second))
	}
	if !bytes.Equal(first[0], second[0]) {
		t.Error("re-attach sent a different handshake (salt or rotation changed)")
	}
}

func TestHandshakeRetransmittedUntilEstablished(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testStart())
	left := newTestSession(t, "s1", clk)
	right := newTestSession(t, "s1", clk)

	var fromLeft, fromRight [][]byte
	if err := left.Attach(captureSend(&fromLeft)); err != nil {
		t.Fatal(err)
	}

	clk.Advance(handshakeRetryInterval)
	clk.Advance(handshakeRetryInterval)
	if len(fromLeft) != 3 {
		t.Fatalf("sent %d handshakes after two retry intervals, want 3", len(fromLeft))
	}
	for i, frame := range fromLeft[1:] {
		if !bytes.Equal(frame, fromLeft[0]) {
			t.Fatalf("retransmit %d differs from the original handshake", i+1)
		}
	}

	// Establish both sides; retransmission must stop.
	if err := right.Attach(captureSend(&fromRight)); err != nil {
		t.Fatal(err)
	}
	if err := left.HandleFrame(ctx, fromRight[0]); err != nil {
		t.Fatal(err)
	}
	if err := right.HandleFrame(ctx, fromLeft[0]); err != nil {
		t.Fatal(err)
	}

	sent := len(fromLeft)
	clk.Advance(handshakeRetryInterval)
	clk.Advance(handshakeRetryInterval)
	if len(fromLeft) != sent {
		t.Errorf("handshake still retransmitted after establishment: %d frames, want %d",
			len(fromLeft), sent)
	}
}
