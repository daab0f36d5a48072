// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

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
	"github.com/bureau-foundation/backchannel/relay"
	"github.com/bureau-foundation/backchannel/store"
	"github.com/bureau-foundation/backchannel/transport"
)

const (
	ackTimeout        = 7 * time.Second
	requestTimeout    = 10 * time.Second
	heartbeatInterval = 5 * time.Second
	heartbeatGap      = 15 * time.Second
	presenceSweep     = time.Second
	typingTTL         = 5 * time.Second
	defaultPageLimit  = 50
)

// ErrDisconnected rejects pending operations when the transport drops
// out from under them.
var ErrDisconnected = errors.New("channel: disconnected before peer responded")

// ErrAckTimeout means the peer did not acknowledge a message in time.
// The optimistic copy stays in the cache, still marked pending.
var ErrAckTimeout = errors.New("channel: acknowledgment timed out")

// ErrRequestTimeout means a history request got no response in time.
var ErrRequestTimeout = errors.New("channel: history request timed out")

// ErrChannelClosed is returned by operations after Close.
var ErrChannelClosed = errors.New("channel: closed")

// Config holds everything a Channel needs. Logger and Clock have
// working defaults; Relay is optional (no HTTP fallback without it).
type Config struct {
	ConversationID string
	// SelfID identifies the local user in outgoing frames.
	SelfID string
	// FriendID identifies the peer, used by the HTTP fallback to open
	// the direct conversation.
	FriendID string
	// Cache is the conversation's read-through snapshot cache.
	Cache *store.Cache
	// Relay is the HTTP fallback client. Nil disables the fallback.
	Relay *relay.Client
	// OnRecovery is invoked (once per silence gap) when heartbeats go
	// unanswered for too long. Typically triggers a reconnect.
	OnRecovery func()
	// PageLimit is the default history page size.
	PageLimit int
	Logger    *slog.Logger
	Clock     clock.Clock
}

type pendingAck struct {
	done  chan error
	timer *clock.Timer
}

type pendingRequest struct {
	done  chan requestOutcome
	timer *clock.Timer
}

type requestOutcome struct {
	result HistoryResult
	err    error
}

// Channel runs one conversation. It is safe for concurrent use; frame
// handling, sends, and transport state changes may arrive from
// different goroutines.
type Channel struct {
	conversationID string
	selfID         string
	friendID       string
	cache          *store.Cache
	relay          *relay.Client
	onRecovery     func()
	pageLimit      int
	log            *slog.Logger
	clk            clock.Clock

	mu             sync.Mutex
	send           func([]byte) error
	transportReady bool
	sessionReady   bool
	pendingAcks    map[string]*pendingAck
	pendingReqs    map[string]*pendingRequest
	outbound       []MessageSend
	lastPong       time.Time
	recovering     bool
	closed         bool

	errSubs      map[int]func(error)
	presenceSubs map[int]func(PresenceState)
	nextSub      int

	presence *presenceRegistry
	done     chan struct{}
	loops    sync.WaitGroup
}

// New creates the channel and starts its heartbeat and presence-sweep
// loops. Callers must Close it.
func New(cfg Config) (*Channel, error) {
	if cfg.ConversationID == "" {
		return nil, fmt.Errorf("channel: ConversationID is required")
	}
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("channel: SelfID is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("channel: Cache is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}

	c := &Channel{
		conversationID: cfg.ConversationID,
		selfID:         cfg.SelfID,
		friendID:       cfg.FriendID,
		cache:          cfg.Cache,
		relay:          cfg.Relay,
		onRecovery:     cfg.OnRecovery,
		pageLimit:      pageLimit,
		log:            logger.With("conversation", cfg.ConversationID),
		clk:            clk,
		pendingAcks:    make(map[string]*pendingAck),
		pendingReqs:    make(map[string]*pendingRequest),
		errSubs:        make(map[int]func(error)),
		presenceSubs:   make(map[int]func(PresenceState)),
		presence:       newPresenceRegistry(),
		done:           make(chan struct{}),
	}
	c.loops.Add(2)
	go c.heartbeatLoop()
	go c.presenceLoop()
	return c, nil
}

// Close stops the loops and rejects everything pending.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.rejectAllPendingLocked(ErrChannelClosed)
	c.mu.Unlock()
	close(c.done)
	c.loops.Wait()
}

// AttachTransport gives the channel a usable direct path. The
// transmitter is typically the crypto session's Send. Queued outbound
// messages drain immediately, oldest first.
func (c *Channel) AttachTransport(send func([]byte) error) {
	c.mu.Lock()
	c.send = send
	c.transportReady = true
	c.lastPong = c.clk.Now()
	c.recovering = false
	c.mu.Unlock()

	c.drainOutbound()
}

// drainOutbound flushes the queue oldest first. A send failure
// (transmitter attached before the crypto handshake completes, or a
// link that dropped again) re-queues the remainder; the next attach
// or readiness signal retries.
func (c *Channel) drainOutbound() {
	c.mu.Lock()
	if c.send == nil || len(c.outbound) == 0 {
		c.mu.Unlock()
		return
	}
	queued := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for i, frame := range queued {
		if err := c.sendWithAck(frame); err != nil {
			c.log.Warn("outbound queue drain interrupted", "error", err, "remaining", len(queued)-i)
			c.mu.Lock()
			c.outbound = append(queued[i:], c.outbound...)
			c.mu.Unlock()
			return
		}
	}
	c.log.Info("outbound queue drained", "messages", len(queued))
}

// DetachTransport removes the direct path. Sends fall back to HTTP or
// the outbound queue.
func (c *Channel) DetachTransport() {
	c.mu.Lock()
	c.send = nil
	c.transportReady = false
	c.mu.Unlock()
}

// SetSessionReady gates heartbeats on crypto readiness. Readiness
// also retries the outbound queue: a transmitter attached mid
// handshake rejects sends until the key exists, so the drain has to
// run again once it does.
func (c *Channel) SetSessionReady(ready bool) {
	c.mu.Lock()
	c.sessionReady = ready
	if ready {
		c.lastPong = c.clk.Now()
	}
	c.mu.Unlock()

	if ready {
		c.drainOutbound()
	}
}

// HandleState reacts to a transport state change. Degraded,
// recovering, closed, and error states all reject pending operations
// so callers never hang on a dead connection.
func (c *Channel) HandleState(state transport.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch state {
	case transport.StateConnected:
		c.transportReady = true
		c.lastPong = c.clk.Now()
		c.recovering = false
	case transport.StateDegraded, transport.StateRecovering,
		transport.StateClosed, transport.StateError:
		c.transportReady = false
		c.rejectAllPendingLocked(ErrDisconnected)
	}
}

// rejectAllPendingLocked fails every in-flight ack and history wait.
// Callers hold c.mu.
func (c *Channel) rejectAllPendingLocked(err error) {
	for id, pending := range c.pendingAcks {
		pending.timer.Stop()
		pending.done <- err
		delete(c.pendingAcks, id)
	}
	for id, pending := range c.pendingReqs {
		pending.timer.Stop()
		pending.done <- requestOutcome{err: err}
		delete(c.pendingReqs, id)
	}
}

// OnError registers fn for conversation-level error frames. Returns
// an unsubscribe function.
func (c *Channel) OnError(fn func(error)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.errSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.errSubs, id)
		c.mu.Unlock()
	}
}

// OnPresence registers fn for presence changes (typing, receipts).
// Returns an unsubscribe function.
func (c *Channel) OnPresence(fn func(PresenceState)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.presenceSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.presenceSubs, id)
		c.mu.Unlock()
	}
}

// PresenceState returns the current ephemeral view.
func (c *Channel) PresenceState() PresenceState {
	return c.presence.snapshot(c.clk.Now())
}

// Send delivers one message with at-most-once visible effect: the
// optimistic copy lands in the cache first, then delivery proceeds
// down the best available path. Direct transport waits for the peer's
// ack; the HTTP relay synthesizes one; if neither is available the
// message waits in the outbound queue and Send returns nil with the
// copy still marked pending.
func (c *Channel) Send(ctx context.Context, body, clientMessageID string) error {
	if clientMessageID == "" {
		return fmt.Errorf("channel: clientMessageId is required")
	}
	now := c.clk.Now()
	optimistic := store.Message{
		ID:              clientMessageID,
		ConversationID:  c.conversationID,
		SenderID:        c.selfID,
		Body:            body,
		ClientMessageID: clientMessageID,
		CreatedAt:       now,
		Pending:         true,
	}
	c.updateSnapshot(ctx, func(snapshot *store.Snapshot) {
		snapshot.Messages = Merge(snapshot.Messages, []store.Message{optimistic})
	})

	frame := MessageSend{
		ConversationID:  c.conversationID,
		SenderID:        c.selfID,
		Body:            body,
		ClientMessageID: clientMessageID,
		CreatedAt:       now.UnixMilli(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	send := c.send
	usable := send != nil && c.transportReady && c.sessionReady
	c.mu.Unlock()

	if usable {
		err := c.sendAndAwaitAck(ctx, frame)
		if err == nil || !isDisconnectError(err) {
			return err
		}
		c.log.Warn("direct send failed, falling back", "error", err)
	}
	return c.sendViaRelay(ctx, frame)
}

// isDisconnectError reports whether a send failure should divert to
// the fallback path instead of surfacing to the caller.
func isDisconnectError(err error) bool {
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, transport.ErrNotConnected) ||
		errors.Is(err, transport.ErrClosed)
}

// sendAndAwaitAck registers the pending ack, pushes the frame, and
// blocks until ack, timeout, rejection, or context cancellation.
func (c *Channel) sendAndAwaitAck(ctx context.Context, frame MessageSend) error {
	raw, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	id := frame.ClientMessageID
	pending := &pendingAck{done: make(chan error, 1)}
	c.mu.Lock()
	send := c.send
	if send == nil {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	pending.timer = c.clk.AfterFunc(ackTimeout, func() { c.expireAck(id) })
	c.pendingAcks[id] = pending
	c.mu.Unlock()

	if err := send(raw); err != nil {
		c.mu.Lock()
		if p, ok := c.pendingAcks[id]; ok && p == pending {
			p.timer.Stop()
			delete(c.pendingAcks, id)
		}
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-pending.done:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if p, ok := c.pendingAcks[id]; ok && p == pending {
			p.timer.Stop()
			delete(c.pendingAcks, id)
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// sendWithAck is the queue-drain variant: it registers the pending
// ack and pushes the frame but does not block on the response.
func (c *Channel) sendWithAck(frame MessageSend) error {
	raw, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	id := frame.ClientMessageID
	pending := &pendingAck{done: make(chan error, 1)}
	c.mu.Lock()
	send := c.send
	if send == nil {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	pending.timer = c.clk.AfterFunc(ackTimeout, func() { c.expireAck(id) })
	c.pendingAcks[id] = pending
	c.mu.Unlock()

	if err := send(raw); err != nil {
		c.mu.Lock()
		if p, ok := c.pendingAcks[id]; ok && p == pending {
			p.timer.Stop()
			delete(c.pendingAcks, id)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// sendViaRelay posts the message over HTTP, synthesizing the ack on
// success. If that also fails the frame joins the outbound queue.
func (c *Channel) sendViaRelay(ctx context.Context, frame MessageSend) error {
	if c.relay != nil {
		message, err := c.relay.PostMessage(ctx, c.conversationID, frame.Body, frame.ClientMessageID)
		if err == nil {
			c.applyAck(ctx, MessageAck{ClientMessageID: frame.ClientMessageID, Message: *message})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("relay send failed, queueing", "error", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.outbound = append(c.outbound, frame)
	queued := len(c.outbound)
	c.mu.Unlock()
	c.log.Info("message queued for later delivery",
		"clientMessageId", frame.ClientMessageID,
		"queue_depth", queued,
	)
	return nil
}

func (c *Channel) expireAck(id string) {
	c.mu.Lock()
	pending, ok := c.pendingAcks[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendingAcks, id)
	c.mu.Unlock()
	pending.done <- ErrAckTimeout
	c.log.Warn("acknowledgment timed out", "clientMessageId", id)
}

// applyAck resolves the pending send and swaps the optimistic copy
// for the canonical message.
func (c *Channel) applyAck(ctx context.Context, ack MessageAck) {
	canonical := ack.Message
	canonical.Pending = false
	if canonical.ClientMessageID == "" {
		canonical.ClientMessageID = ack.ClientMessageID
	}
	c.updateSnapshot(ctx, func(snapshot *store.Snapshot) {
		snapshot.Messages = Merge(snapshot.Messages, []store.Message{canonical})
	})

	c.mu.Lock()
	pending, ok := c.pendingAcks[ack.ClientMessageID]
	if ok {
		pending.timer.Stop()
		delete(c.pendingAcks, ack.ClientMessageID)
	}
	c.mu.Unlock()
	if ok {
		pending.done <- nil
	}

	if c.presence.apply(Presence{
		Kind:      PresenceDelivery,
		SenderID:  c.friendID,
		MessageID: canonical.ID,
	}, c.clk.Now()) {
		c.notifyPresence()
	}
}

// Sync fetches the newest page of history, preferring the direct
// transport and falling back to the HTTP relay.
func (c *Channel) Sync(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = c.pageLimit
	}
	requestID, err := newRequestID()
	if err != nil {
		return err
	}
	outcome, sent := c.requestDirect(ctx, requestID, HistorySync{RequestID: requestID, Limit: limit})
	if sent {
		if outcome.err == nil || !isDisconnectError(outcome.err) {
			return outcome.err
		}
	}

	if c.relay == nil {
		if sent {
			return outcome.err
		}
		return transport.ErrNotConnected
	}
	page, err := c.relay.OpenDirect(ctx, c.friendID, limit)
	if err != nil {
		return err
	}
	c.updateSnapshot(ctx, func(snapshot *store.Snapshot) {
		snapshot.Conversation = page.Conversation
		snapshot.Messages = Merge(snapshot.Messages, page.Messages)
		if page.NextCursor != nil {
			snapshot.NextCursor = *page.NextCursor
		} else {
			snapshot.NextCursor = ""
		}
	})
	return nil
}

// LoadMore fetches messages older than cursor. The returned cursor is
// nil when the peer reports no older history.
func (c *Channel) LoadMore(ctx context.Context, cursor string, limit int) (*string, error) {
	if limit <= 0 {
		limit = c.pageLimit
	}
	requestID, err := newRequestID()
	if err != nil {
		return nil, err
	}
	outcome, sent := c.requestDirect(ctx, requestID, HistoryPage{RequestID: requestID, Cursor: cursor, Limit: limit})
	if sent && outcome.err == nil {
		return outcome.result.NextCursor, nil
	}
	if sent && !isDisconnectError(outcome.err) {
		return nil, outcome.err
	}

	if c.relay == nil {
		if sent {
			return nil, outcome.err
		}
		return nil, transport.ErrNotConnected
	}
	page, err := c.relay.History(ctx, c.conversationID, cursor, limit)
	if err != nil {
		return nil, err
	}
	c.updateSnapshot(ctx, func(snapshot *store.Snapshot) {
		snapshot.Messages = Merge(snapshot.Messages, page.Messages)
		if page.NextCursor != nil {
			snapshot.NextCursor = *page.NextCursor
		} else {
			snapshot.NextCursor = ""
		}
	})
	return page.NextCursor, nil
}

// requestDirect sends a history request over the direct transport and
// waits for its result. sent is false when no usable transport was
// available and nothing went on the wire.
func (c *Channel) requestDirect(ctx context.Context, requestID string, frame Frame) (requestOutcome, bool) {
	c.mu.Lock()
	send := c.send
	usable := send != nil && c.transportReady && c.sessionReady && !c.closed
	if !usable {
		c.mu.Unlock()
		return requestOutcome{}, false
	}
	pending := &pendingRequest{done: make(chan requestOutcome, 1)}
	pending.timer = c.clk.AfterFunc(requestTimeout, func() { c.expireRequest(requestID) })
	c.pendingReqs[requestID] = pending
	c.mu.Unlock()

	raw, err := EncodeFrame(frame)
	if err == nil {
		err = send(raw)
	}
	if err != nil {
		c.mu.Lock()
		if p, ok := c.pendingReqs[requestID]; ok && p == pending {
			p.timer.Stop()
			delete(c.pendingReqs, requestID)
		}
		c.mu.Unlock()
		return requestOutcome{err: fmt.Errorf("%w: %v", ErrDisconnected, err)}, true
	}

	select {
	case outcome := <-pending.done:
		return outcome, true
	case <-ctx.Done():
		c.mu.Lock()
		if p, ok := c.pendingReqs[requestID]; ok && p == pending {
			p.timer.Stop()
			delete(c.pendingReqs, requestID)
		}
		c.mu.Unlock()
		return requestOutcome{err: ctx.Err()}, true
	}
}

func (c *Channel) expireRequest(id string) {
	c.mu.Lock()
	pending, ok := c.pendingReqs[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendingReqs, id)
	c.mu.Unlock()
	pending.done <- requestOutcome{err: ErrRequestTimeout}
	c.log.Warn("history request timed out", "requestId", id)
}

// SendTyping emits a fire-and-forget typing indicator. Errors are
// ignored; the next keystroke resends.
func (c *Channel) SendTyping() {
	c.fireAndForget(Presence{
		Kind:      PresenceTyping,
		SenderID:  c.selfID,
		ExpiresAt: c.clk.Now().Add(typingTTL).UnixMilli(),
	})
}

// MarkRead records that the local user has read up to messageID and
// tells the peer.
func (c *Channel) MarkRead(ctx context.Context, messageID string) {
	c.updateSnapshot(ctx, func(snapshot *store.Snapshot) {
		snapshot.Conversation.LastReadAt = c.clk.Now()
	})
	c.fireAndForget(Presence{
		Kind:      PresenceRead,
		SenderID:  c.selfID,
		MessageID: messageID,
	})
}

func (c *Channel) fireAndForget(frame Frame) {
	c.mu.Lock()
	send := c.send
	usable := send != nil && c.transportReady && c.sessionReady
	c.mu.Unlock()
	if !usable {
		return
	}
	raw, err := EncodeFrame(frame)
	if err != nil {
		return
	}
	if err := send(raw); err != nil {
		c.log.Debug("presence send failed", "error", err)
	}
}

// HandleFrame processes one decrypted inbound frame. Malformed frames
// are logged and dropped.
func (c *Channel) HandleFrame(ctx context.Context, raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		c.log.Warn("dropping malformed frame", "error", err)
		return
	}
	switch f := frame.(type) {
	case MessageSend:
		c.handleMessageSend(ctx, f)
	case MessageAck:
		c.applyAck(ctx, f)
	case HistorySync:
		c.handleHistorySync(ctx, f)
	case HistoryPage:
		c.handleHistoryPage(ctx, f)
	case HistoryResult:
		c.handleHistoryResult(ctx, f)
	case Presence:
		if c.presence.apply(f, c.clk.Now()) {
			c.notifyPresence()
		}
	case HeartbeatPing:
		c.fireAndForget(HeartbeatPong{SentAt: f.SentAt})
	case HeartbeatPong:
		c.mu.Lock()
		c.lastPong = c.clk.Now()
		c.recovering = false
		c.mu.Unlock()
	case ErrorFrame:
		c.handleErrorFrame(f)
	}
}

// handleMessageSend stores the peer's message and acknowledges it.
// The client message ID doubles as the canonical ID on the direct
// path, so redelivery merges to a no-op and the ack is idempotent.
func (c *Channel) handleMessageSend(ctx context.Context, frame MessageSend) {
	message := store.Message{
		ID:              frame.ClientMessageID,
		ConversationID:  c.conversationID,
		SenderID:        frame.SenderID,
		Body:            frame.Body,
		ClientMessageID: frame.ClientMessageID,
		CreatedAt:       time.UnixMilli(frame.CreatedAt),
	}
	c.updateSnapshot(ctx, func(snapshot *store.Snapshot) {
		snapshot.Messages = Merge(snapshot.Messages, []store.Message{message})
	})
	c.fireAndForget(MessageAck{ClientMessageID: frame.ClientMessageID, Message: message})
}

// handleHistorySync answers with our newest messages.
func (c *Channel) handleHistorySync(ctx context.Context, frame HistorySync) {
	snapshot := c.cache.Read(ctx, c.conversationID)
	result := HistoryResult{RequestID: frame.RequestID}
	if snapshot != nil {
		messages := snapshot.Messages
		if frame.Limit > 0 && len(messages) > frame.Limit {
			messages = messages[len(messages)-frame.Limit:]
		}
		result.Messages = messages
		// A full page means older history may exist; the cursor points
		// at the oldest message returned.
		if frame.Limit > 0 && len(messages) == frame.Limit {
			cursor := messages[0].ID
			result.NextCursor = &cursor
		}
	}
	c.fireAndForget(result)
}

// handleHistoryPage answers with messages older than the cursor.
func (c *Channel) handleHistoryPage(ctx context.Context, frame HistoryPage) {
	snapshot := c.cache.Read(ctx, c.conversationID)
	result := HistoryResult{RequestID: frame.RequestID}
	if snapshot != nil {
		boundary := len(snapshot.Messages)
		for i, message := range snapshot.Messages {
			if message.ID == frame.Cursor {
				boundary = i
				break
			}
		}
		older := snapshot.Messages[:boundary]
		if frame.Limit > 0 && len(older) > frame.Limit {
			older = older[len(older)-frame.Limit:]
		}
		result.Messages = older
		if frame.Limit > 0 && len(older) == frame.Limit {
			cursor := older[0].ID
			result.NextCursor = &cursor
		}
	}
	c.fireAndForget(result)
}

// handleHistoryResult merges the page and resolves the waiting
// request.
func (c *Channel) handleHistoryResult(ctx context.Context, frame HistoryResult) {
	c.updateSnapshot(ctx, func(snapshot *store.Snapshot) {
		snapshot.Messages = Merge(snapshot.Messages, frame.Messages)
		if frame.NextCursor != nil {
			snapshot.NextCursor = *frame.NextCursor
		} else {
			snapshot.NextCursor = ""
		}
	})

	c.mu.Lock()
	pending, ok := c.pendingReqs[frame.RequestID]
	if ok {
		pending.timer.Stop()
		delete(c.pendingReqs, frame.RequestID)
	}
	c.mu.Unlock()
	if ok {
		pending.done <- requestOutcome{result: frame}
	} else {
		c.log.Debug("history result for unknown request", "requestId", frame.RequestID)
	}
}

// handleErrorFrame rejects the matching pending operation, or fans
// the error out when it names no request.
func (c *Channel) handleErrorFrame(frame ErrorFrame) {
	err := fmt.Errorf("channel: peer error %s: %s", frame.Code, frame.Message)

	if frame.RequestID != "" {
		c.mu.Lock()
		if pending, ok := c.pendingReqs[frame.RequestID]; ok {
			pending.timer.Stop()
			delete(c.pendingReqs, frame.RequestID)
			c.mu.Unlock()
			pending.done <- requestOutcome{err: err}
			return
		}
		if pending, ok := c.pendingAcks[frame.RequestID]; ok {
			pending.timer.Stop()
			delete(c.pendingAcks, frame.RequestID)
			c.mu.Unlock()
			pending.done <- err
			return
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	subs := make([]func(error), 0, len(c.errSubs))
	for _, fn := range c.errSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}

// heartbeatLoop pings on an interval once both transport and session
// are ready, and fires the recovery callback when the peer goes
// silent past the gap. The callback runs at most once per gap; a pong
// resets the latch.
func (c *Channel) heartbeatLoop() {
	defer c.loops.Done()
	ticker := c.clk.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		send := c.send
		usable := send != nil && c.transportReady && c.sessionReady
		if !usable {
			c.mu.Unlock()
			continue
		}
		now := c.clk.Now()
		silent := now.Sub(c.lastPong) >= heartbeatGap
		triggerRecovery := silent && !c.recovering && c.onRecovery != nil
		if triggerRecovery {
			c.recovering = true
		}
		c.mu.Unlock()

		raw, err := EncodeFrame(HeartbeatPing{SentAt: now.UnixMilli()})
		if err == nil {
			if err := send(raw); err != nil {
				c.log.Debug("heartbeat send failed", "error", err)
			}
		}
		if triggerRecovery {
			c.log.Warn("heartbeats unanswered, triggering recovery",
				"silent_for", now.Sub(c.lastPong))
			c.onRecovery()
		}
	}
}

// presenceLoop sweeps expired typing entries.
func (c *Channel) presenceLoop() {
	defer c.loops.Done()
	ticker := c.clk.NewTicker(presenceSweep)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.presence.sweep(c.clk.Now()) {
				c.notifyPresence()
			}
		}
	}
}

func (c *Channel) notifyPresence() {
	state := c.presence.snapshot(c.clk.Now())
	c.mu.Lock()
	subs := make([]func(PresenceState), 0, len(c.presenceSubs))
	for _, fn := range c.presenceSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// updateSnapshot applies mutate to a copy of the current snapshot and
// writes it back through the cache (notifying subscribers and
// persisting in the background).
func (c *Channel) updateSnapshot(ctx context.Context, mutate func(*store.Snapshot)) {
	snapshot := c.cache.Read(ctx, c.conversationID)
	if snapshot == nil {
		snapshot = &store.Snapshot{
			Conversation: store.Conversation{
				ID:        c.conversationID,
				FriendID:  c.friendID,
				CreatedAt: c.clk.Now(),
			},
		}
	}
	mutate(snapshot)
	snapshot.UpdatedAt = c.clk.Now()
	c.cache.Write(ctx, c.conversationID, snapshot)
}

func newRequestID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("channel: generating request ID: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
