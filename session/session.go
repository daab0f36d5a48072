// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/backchannel/lib/clock"
)

const (
	saltSize         = 16
	handshakeTimeout = 15 * time.Second

	// handshakeRetryInterval paces handshake retransmission while the
	// key is not yet established. The unordered driver may drop the
	// first handshake, and a transport can deliver frames before the
	// application has subscribed; retransmission covers both, and the
	// peer's seen fingerprint makes duplicates idempotent.
	handshakeRetryInterval = 2 * time.Second

	// earlyFrameLimit bounds the buffer of data frames that arrive
	// before the key is established. Past it the oldest frame is
	// dropped; a peer that floods before handshaking is broken anyway.
	earlyFrameLimit = 256
)

// ErrFingerprintMismatch means the peer presented an identity key
// different from the pinned one. Fatal to the session; it never
// auto-recovers and requires explicit re-trust by the user.
var ErrFingerprintMismatch = errors.New("session: peer fingerprint does not match pinned fingerprint")

// ErrHandshakeTimeout means no peer handshake arrived within the
// window after the local handshake was sent.
var ErrHandshakeTimeout = errors.New("session: handshake timed out")

// ErrNotEstablished is returned by Encrypt and Decrypt before the key
// exchange completes.
var ErrNotEstablished = errors.New("session: key not established")

// Config holds everything a Session needs. Provider, Trust, Logger,
// and Clock have working defaults.
type Config struct {
	// SessionID ties the session to its signaling session; envelopes
	// carrying any other ID are rejected.
	SessionID string
	// Identity is the long-lived local keypair.
	Identity *Identity
	// Provider supplies the crypto primitives. Nil means [Default].
	Provider Provider
	// Trust persists fingerprint pins. Nil means a fresh in-memory
	// store (no cross-restart pinning).
	Trust TrustStore
	// Logger for handshake and drop events. Nil means slog.Default().
	Logger *slog.Logger
	// Clock drives the handshake timeout. Nil means the real clock.
	Clock clock.Clock
}

// Session is one end of the encrypted channel. It is safe for
// concurrent use.
type Session struct {
	sessionID string
	identity  *Identity
	provider  Provider
	trust     TrustStore
	log       *slog.Logger
	clk       clock.Clock

	mu              sync.Mutex
	salt            []byte
	rotatedAt       time.Time
	key             []byte
	peerFingerprint string
	established     bool
	failure         error
	early           []Envelope
	send            func([]byte) error
	timeout         *clock.Timer
	retry           *clock.Timer
	subs            map[int]func([]byte)
	nextSub         int

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a session with a fresh salt and rotation timestamp.
func New(cfg Config) (*Session, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session: SessionID is required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("session: Identity is required")
	}
	provider := cfg.Provider
	if provider == nil {
		provider = Default()
	}
	trust := cfg.Trust
	if trust == nil {
		trust = NewMemoryTrustStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	salt := make([]byte, saltSize)
	if err := fillRandom(salt); err != nil {
		return nil, err
	}
	return &Session{
		sessionID: cfg.SessionID,
		identity:  cfg.Identity,
		provider:  provider,
		trust:     trust,
		log:       logger.With("session", cfg.SessionID),
		clk:       clk,
		salt:      salt,
		rotatedAt: clk.Now(),
		subs:      make(map[int]func([]byte)),
		ready:     make(chan struct{}),
	}, nil
}

// Ready is closed when the key exchange completes or fails; Err
// distinguishes the two.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Err returns the fatal session error, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Established reports whether the session key is available.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// SessionID returns the signaling session this session is bound to.
func (s *Session) SessionID() string { return s.sessionID }

// LocalFingerprint is the digest peers pin for us.
func (s *Session) LocalFingerprint() string { return s.identity.Fingerprint() }

// PeerFingerprint is the digest of the peer's identity key, empty
// until its handshake arrives.
func (s *Session) PeerFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerFingerprint
}

// OnPlaintext registers fn for every decrypted inbound frame. Returns
// an unsubscribe function.
func (s *Session) OnPlaintext(fn func([]byte)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// handshakeLocked builds the local handshake envelope. Callers hold
// s.mu. The salt and rotation never change within a session, so every
// copy is byte-identical and re-delivery is harmless.
func (s *Session) handshakeLocked() Envelope {
	pub := s.identity.Public()
	return Envelope{
		Version:   EnvelopeVersion,
		Kind:      EnvelopeHandshake,
		SessionID: s.sessionID,
		PublicKey: append([]byte(nil), pub[:]...),
		Salt:      append([]byte(nil), s.salt...),
		RotatedAt: s.rotatedAt.UnixMilli(),
	}
}

// Attach gives the session a transmitter and immediately sends the
// local handshake envelope through it. Attaching again after a
// transport swap re-sends the same handshake (same salt and rotation,
// so the peer derives the same key) and is always safe. While the key
// is not yet established a timeout is armed and the handshake is
// retransmitted on an interval, in case the first copy was dropped.
func (s *Session) Attach(send func([]byte) error) error {
	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return err
	}
	s.send = send
	handshake := s.handshakeLocked()
	if !s.established && s.timeout == nil {
		s.timeout = s.clk.AfterFunc(handshakeTimeout, s.onHandshakeTimeout)
	}
	if !s.established && s.retry == nil {
		s.retry = s.clk.AfterFunc(handshakeRetryInterval, s.resendHandshake)
	}
	s.mu.Unlock()

	raw, err := handshake.Encode()
	if err != nil {
		return err
	}
	if err := send(raw); err != nil {
		return fmt.Errorf("session: sending handshake: %w", err)
	}
	s.log.Debug("handshake sent")
	return nil
}

// resendHandshake retransmits the handshake and re-arms itself until
// the session is established, detached, or failed.
func (s *Session) resendHandshake() {
	s.mu.Lock()
	if s.established || s.failure != nil || s.send == nil {
		s.retry = nil
		s.mu.Unlock()
		return
	}
	send := s.send
	handshake := s.handshakeLocked()
	s.retry = s.clk.AfterFunc(handshakeRetryInterval, s.resendHandshake)
	s.mu.Unlock()

	raw, err := handshake.Encode()
	if err != nil {
		return
	}
	if err := send(raw); err != nil {
		s.log.Debug("handshake retransmit failed", "error", err)
	}
}

// Detach drops the transmitter. Inbound frames still decrypt.
func (s *Session) Detach() {
	s.mu.Lock()
	s.send = nil
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()
}

func (s *Session) onHandshakeTimeout() {
	s.mu.Lock()
	if s.established || s.failure != nil {
		s.mu.Unlock()
		return
	}
	s.failLocked(ErrHandshakeTimeout)
	s.mu.Unlock()
	s.log.Warn("handshake timed out")
}

// failLocked records a fatal error and resolves Ready. Callers hold
// s.mu.
func (s *Session) failLocked(err error) {
	s.failure = err
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

// HandleFrame processes one inbound wire frame. Malformed frames and
// decryption failures are logged and dropped (the error return is for
// the caller's logging, the session continues); a fingerprint
// mismatch is fatal and sticks.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		s.log.Warn("dropping malformed envelope", "error", err)
		return err
	}
	if env.SessionID != s.sessionID {
		err := fmt.Errorf("session: envelope for session %q", env.SessionID)
		s.log.Warn("dropping envelope for other session", "got", env.SessionID)
		return err
	}
	switch env.Kind {
	case EnvelopeHandshake:
		return s.handlePeerHandshake(ctx, env)
	case EnvelopeData:
		return s.handleData(env)
	}
	return nil
}

func (s *Session) handlePeerHandshake(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return err
	}

	var peerPublic [32]byte
	copy(peerPublic[:], env.PublicKey)
	fingerprint := s.provider.Fingerprint(peerPublic)
	peerRotated := time.UnixMilli(env.RotatedAt)

	pinned, err := s.trust.Load(ctx, s.sessionID)
	switch {
	case errors.Is(err, ErrNotPinned):
		err = s.trust.Pin(ctx, PeerTrustState{
			SessionID:         s.sessionID,
			LocalFingerprint:  s.identity.Fingerprint(),
			RemoteFingerprint: fingerprint,
			LastRotatedAt:     peerRotated,
		})
		if err != nil {
			s.mu.Unlock()
			return err
		}
	case err != nil:
		s.mu.Unlock()
		return err
	case pinned.RemoteFingerprint != fingerprint:
		s.failLocked(ErrFingerprintMismatch)
		s.mu.Unlock()
		s.log.Error("peer identity changed",
			"pinned", pinned.RemoteFingerprint,
			"presented", fingerprint,
		)
		return ErrFingerprintMismatch
	default:
		pinned.LastRotatedAt = peerRotated
		if err := s.trust.Pin(ctx, *pinned); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	combined := combineSalts(s.salt, s.rotatedAt, env.Salt, peerRotated)
	secret, err := s.provider.SharedSecret(s.identity.keyPair().Private, peerPublic)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	key, err := s.provider.DeriveKey(secret, combined)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.key = key
	s.peerFingerprint = fingerprint
	s.established = true
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.readyOnce.Do(func() { close(s.ready) })

	buffered := s.early
	s.early = nil
	var replayed [][]byte
	for _, data := range buffered {
		plaintext, err := s.provider.Open(s.key, data.IV, data.Ciphertext)
		if err != nil {
			s.log.Warn("dropping buffered frame", "error", err)
			continue
		}
		replayed = append(replayed, plaintext)
	}
	fns := s.subscribersLocked()
	s.mu.Unlock()

	s.log.Info("session established",
		"peer", fingerprint,
		"buffered_frames", len(buffered),
	)
	for _, plaintext := range replayed {
		for _, fn := range fns {
			fn(plaintext)
		}
	}
	return nil
}

func (s *Session) handleData(env Envelope) error {
	s.mu.Lock()
	if !s.established {
		if len(s.early) >= earlyFrameLimit {
			s.early = s.early[1:]
			s.log.Warn("early frame buffer full, dropping oldest")
		}
		s.early = append(s.early, env)
		s.mu.Unlock()
		return nil
	}
	plaintext, err := s.provider.Open(s.key, env.IV, env.Ciphertext)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("dropping undecryptable frame", "error", err)
		return err
	}
	fns := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(plaintext)
	}
	return nil
}

// subscribersLocked snapshots the subscriber list. Callers hold s.mu.
func (s *Session) subscribersLocked() []func([]byte) {
	fns := make([]func([]byte), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	return fns
}

// Encrypt seals plaintext into a data envelope ready for the wire.
func (s *Session) Encrypt(plaintext []byte) (Envelope, error) {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if key == nil {
		return Envelope{}, ErrNotEstablished
	}
	iv, ciphertext, err := s.provider.Seal(key, plaintext)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version:    EnvelopeVersion,
		Kind:       EnvelopeData,
		SessionID:  s.sessionID,
		IV:         iv,
		Ciphertext: ciphertext,
		RotatedAt:  s.rotatedAt.UnixMilli(),
	}, nil
}

// Decrypt opens one data envelope.
func (s *Session) Decrypt(env Envelope) ([]byte, error) {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if key == nil {
		return nil, ErrNotEstablished
	}
	return s.provider.Open(key, env.IV, env.Ciphertext)
}

// Send encrypts plaintext and pushes it through the attached
// transmitter.
func (s *Session) Send(plaintext []byte) error {
	env, err := s.Encrypt(plaintext)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return fmt.Errorf("session: no transmitter attached")
	}
	return send(raw)
}

// MarkTrusted records the user's explicit verification of the peer's
// fingerprint.
func (s *Session) MarkTrusted(ctx context.Context) error {
	state, err := s.trust.Load(ctx, s.sessionID)
	if err != nil {
		return err
	}
	state.Trusted = true
	return s.trust.Pin(ctx, *state)
}

// combineSalts concatenates the two session salts in a canonical
// order so both peers derive identical key material no matter whose
// handshake arrived first: earlier rotation timestamp first, with a
// byte-wise salt comparison breaking exact ties. The tie-break exists
// purely for determinism between peers; preserve it exactly for
// interoperability.
func combineSalts(localSalt []byte, localRotated time.Time, peerSalt []byte, peerRotated time.Time) []byte {
	first, second := localSalt, peerSalt
	switch {
	case peerRotated.Before(localRotated):
		first, second = peerSalt, localSalt
	case localRotated.Equal(peerRotated) && bytes.Compare(peerSalt, localSalt) < 0:
		first, second = peerSalt, localSalt
	}
	combined := make([]byte, 0, len(first)+len(second))
	combined = append(combined, first...)
	return append(combined, second...)
}
