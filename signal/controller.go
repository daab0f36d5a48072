// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/backchannel/lib/clock"
	"github.com/bureau-foundation/backchannel/transport"
)

// ErrNoRole is returned by operations that require a role before one
// has been selected.
var ErrNoRole = errors.New("signal: no role selected")

// ErrTokenExpired is returned when an applied token is past its TTL.
var ErrTokenExpired = errors.New("signal: token expired")

// ErrWrongSession is returned when an answer token references a
// different signaling session than the one in progress.
var ErrWrongSession = errors.New("signal: token belongs to another session")

// TokenRecord is one token as held in the [Snapshot]: the portable
// encoded form plus its validity window.
type TokenRecord struct {
	Encoded   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Snapshot is the controller's externally visible state. The
// controller owns the authoritative copy; accessors hand out value
// copies so callers can never mutate it.
type Snapshot struct {
	Role         transport.Role
	SessionID    string
	LocalInvite  *TokenRecord
	LocalAnswer  *TokenRecord
	RemoteInvite *TokenRecord
	RemoteAnswer *TokenRecord
	Connected    bool
	LastError    error
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.LocalInvite = cloneRecord(s.LocalInvite)
	out.LocalAnswer = cloneRecord(s.LocalAnswer)
	out.RemoteInvite = cloneRecord(s.RemoteInvite)
	out.RemoteAnswer = cloneRecord(s.RemoteAnswer)
	return out
}

func cloneRecord(r *TokenRecord) *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

type seenKey struct {
	kind    Kind
	encoded string
}

// Controller runs the token exchange for one connection attempt at a
// time. It is safe for concurrent use: UI-facing methods (SetRole,
// ApplyRemoteToken, Snapshot) and the [transport.Exchange] methods the
// drivers call all serialize on one mutex.
type Controller struct {
	log *slog.Logger
	clk clock.Clock

	mu     sync.Mutex
	snap   Snapshot
	seen   map[seenKey]struct{}
	gen    int
	offers chan string
	answrs chan string
	relays map[int]Relay

	subs    map[int]func(Snapshot)
	nextSub int
}

var _ transport.Exchange = (*Controller)(nil)

// NewController returns a controller with no role selected. A nil
// logger means slog.Default(); a nil clock means the real clock.
func NewController(logger *slog.Logger, clk clock.Clock) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		log:    logger,
		clk:    clk,
		seen:   make(map[seenKey]struct{}),
		offers: make(chan string, 1),
		answrs: make(chan string, 1),
		relays: make(map[int]Relay),
		subs:   make(map[int]func(Snapshot)),
	}
}

// SetRole selects the local side of the exchange and starts a fresh
// signaling session: new session ID, all tokens and the seen-set
// cleared, any armed expiry timers orphaned. Selecting
// [transport.RoleNone] is equivalent to [Controller.ClearRole].
func (c *Controller) SetRole(role transport.Role) error {
	if role == transport.RoleNone {
		c.ClearRole()
		return nil
	}
	if role != transport.RoleHost && role != transport.RoleGuest {
		return fmt.Errorf("signal: unknown role %d", int(role))
	}
	id, err := newSessionID()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.resetLocked()
	c.snap.Role = role
	c.snap.SessionID = id
	c.mu.Unlock()
	c.notify()
	return nil
}

// ClearRole abandons the current session and returns the controller to
// its initial state.
func (c *Controller) ClearRole() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.notify()
}

// resetLocked clears everything except relay attachments and update
// subscriptions. Bumping gen orphans outstanding expiry timers, and
// fresh await channels prevent a stale description from a previous
// session being handed to a new connection attempt.
func (c *Controller) resetLocked() {
	c.snap = Snapshot{}
	c.seen = make(map[seenKey]struct{})
	c.gen++
	c.offers = make(chan string, 1)
	c.answrs = make(chan string, 1)
}

// Snapshot returns a copy of the controller's current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

// OnUpdate registers fn to be called with a state copy after every
// change. Returns an unsubscribe function.
func (c *Controller) OnUpdate(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// ReadyToInitialize reports whether the transport layer has what it
// needs to begin establishment: a host only needs its role; a guest
// additionally needs the remote invite it will answer.
func (c *Controller) ReadyToInitialize() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.snap.Role {
	case transport.RoleHost:
		return true
	case transport.RoleGuest:
		return c.snap.RemoteInvite != nil
	default:
		return false
	}
}

// SetConnected records the transport's connection outcome in the
// snapshot for UI consumption.
func (c *Controller) SetConnected(connected bool) {
	c.mu.Lock()
	c.snap.Connected = connected
	if connected {
		c.snap.LastError = nil
	}
	c.mu.Unlock()
	c.notify()
}

// RecordError stores the most recent establishment error in the
// snapshot.
func (c *Controller) RecordError(err error) {
	c.mu.Lock()
	c.snap.LastError = err
	c.mu.Unlock()
	c.notify()
}

// ApplyRemoteToken decodes and consumes a token received from the
// peer over any side channel. Re-delivery of a token that was already
// applied is a no-op, so callers can feed it from lossy or duplicating
// channels without bookkeeping. A guest applying an invite adopts the
// invite's session ID; a host applying an answer must see its own.
func (c *Controller) ApplyRemoteToken(encoded string) error {
	tok, err := DecodeToken(encoded)
	if err != nil {
		return err
	}
	if tok.Expired(c.clk.Now()) {
		return fmt.Errorf("%w: created %s", ErrTokenExpired, time.UnixMilli(tok.CreatedAt).Format(time.RFC3339))
	}

	c.mu.Lock()
	if c.isLocalLocked(encoded) {
		// Our own token echoed back through a broadcast relay.
		c.mu.Unlock()
		return nil
	}
	if _, dup := c.seen[seenKey{tok.Kind, encoded}]; dup {
		c.mu.Unlock()
		return nil
	}

	var deliver chan string
	switch {
	case c.snap.Role == transport.RoleGuest && tok.Kind == KindOffer:
		c.snap.SessionID = tok.SessionID
		c.snap.RemoteInvite = recordFor(tok, encoded)
		deliver = c.offers
	case c.snap.Role == transport.RoleHost && tok.Kind == KindAnswer:
		if tok.SessionID != c.snap.SessionID {
			c.mu.Unlock()
			return fmt.Errorf("%w: got %q", ErrWrongSession, tok.SessionID)
		}
		c.snap.RemoteAnswer = recordFor(tok, encoded)
		deliver = c.answrs
	case c.snap.Role == transport.RoleNone:
		c.mu.Unlock()
		return ErrNoRole
	default:
		c.mu.Unlock()
		return fmt.Errorf("signal: %s cannot apply %s token", c.snap.Role, tok.Kind)
	}
	c.seen[seenKey{tok.Kind, encoded}] = struct{}{}
	// Replace any undelivered previous description rather than block.
	select {
	case <-deliver:
	default:
	}
	deliver <- tok.Description
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Controller) isLocalLocked(encoded string) bool {
	if r := c.snap.LocalInvite; r != nil && r.Encoded == encoded {
		return true
	}
	if r := c.snap.LocalAnswer; r != nil && r.Encoded == encoded {
		return true
	}
	return false
}

func recordFor(tok Token, encoded string) *TokenRecord {
	return &TokenRecord{
		Encoded:   encoded,
		CreatedAt: time.UnixMilli(tok.CreatedAt),
		ExpiresAt: tok.ExpiresAt(),
	}
}

// SessionID implements [transport.Exchange].
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.SessionID
}

// PublishOffer implements [transport.Exchange]: the host's local
// description becomes the invite token.
func (c *Controller) PublishOffer(ctx context.Context, description string) error {
	return c.publishLocal(ctx, transport.RoleHost, KindOffer, description)
}

// PublishAnswer implements [transport.Exchange]: the guest's local
// description becomes the answer token.
func (c *Controller) PublishAnswer(ctx context.Context, description string) error {
	return c.publishLocal(ctx, transport.RoleGuest, KindAnswer, description)
}

func (c *Controller) publishLocal(ctx context.Context, want transport.Role, kind Kind, description string) error {
	c.mu.Lock()
	if c.snap.Role == transport.RoleNone {
		c.mu.Unlock()
		return ErrNoRole
	}
	if c.snap.Role != want {
		c.mu.Unlock()
		return fmt.Errorf("signal: %s cannot publish %s token", c.snap.Role, kind)
	}
	now := c.clk.Now()
	tok := Token{
		Type:        tokenType,
		Kind:        kind,
		Description: description,
		SessionID:   c.snap.SessionID,
		CreatedAt:   now.UnixMilli(),
	}
	encoded, err := tok.Encode()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	rec := &TokenRecord{Encoded: encoded, CreatedAt: now, ExpiresAt: tok.ExpiresAt()}
	switch kind {
	case KindOffer:
		c.snap.LocalInvite = rec
	case KindAnswer:
		c.snap.LocalAnswer = rec
	}
	gen := c.gen
	c.clk.AfterFunc(TokenTTL, func() { c.expireLocal(gen, kind, encoded) })
	relays := make([]Relay, 0, len(c.relays))
	for _, r := range c.relays {
		relays = append(relays, r)
	}
	c.mu.Unlock()
	c.notify()

	for _, r := range relays {
		if err := r.Publish(ctx, tok); err != nil {
			c.log.Warn("token relay publish failed", "kind", kind, "error", err)
		}
	}
	return nil
}

// expireLocal clears a local token once its TTL lapses, forcing the
// UI to regenerate rather than hand out a dead token. The generation
// check discards timers armed before a role reset; the encoded check
// discards timers for tokens that were already replaced.
func (c *Controller) expireLocal(gen int, kind Kind, encoded string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	switch kind {
	case KindOffer:
		if c.snap.LocalInvite == nil || c.snap.LocalInvite.Encoded != encoded {
			c.mu.Unlock()
			return
		}
		c.snap.LocalInvite = nil
	case KindAnswer:
		if c.snap.LocalAnswer == nil || c.snap.LocalAnswer.Encoded != encoded {
			c.mu.Unlock()
			return
		}
		c.snap.LocalAnswer = nil
	}
	c.mu.Unlock()
	c.log.Info("signaling token expired", "kind", kind)
	c.notify()
}

// AwaitOffer implements [transport.Exchange]: blocks until the guest
// has applied the host's invite.
func (c *Controller) AwaitOffer(ctx context.Context) (string, error) {
	c.mu.Lock()
	ch := c.offers
	c.mu.Unlock()
	select {
	case desc := <-ch:
		return desc, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AwaitAnswer implements [transport.Exchange]: blocks until the host
// has applied the guest's answer.
func (c *Controller) AwaitAnswer(ctx context.Context) (string, error) {
	c.mu.Lock()
	ch := c.answrs
	c.mu.Unlock()
	select {
	case desc := <-ch:
		return desc, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AttachRelay subscribes the controller to a token side channel.
// Tokens arriving from the relay are applied as if pasted by the user,
// and locally published tokens are pushed to the relay. The returned
// detach function stops both directions.
func (c *Controller) AttachRelay(ctx context.Context, relay Relay) (func(), error) {
	tokens, cancel, err := relay.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("signal: attach relay: %w", err)
	}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.relays[id] = relay
	c.mu.Unlock()

	go func() {
		for tok := range tokens {
			encoded, err := tok.Encode()
			if err != nil {
				c.log.Warn("relay delivered malformed token", "error", err)
				continue
			}
			if err := c.ApplyRemoteToken(encoded); err != nil {
				c.log.Warn("relay token rejected", "kind", tok.Kind, "error", err)
			}
		}
	}()

	return func() {
		cancel()
		c.mu.Lock()
		delete(c.relays, id)
		c.mu.Unlock()
	}, nil
}

func (c *Controller) notify() {
	c.mu.Lock()
	snap := c.snap.clone()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func newSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("signal: generate session ID: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
