// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/backchannel/lib/clock"
)

// Relay is an optional side channel for moving tokens between peers
// automatically instead of by copy and paste. Implementations must
// tolerate duplicate delivery; the controller's seen-set absorbs it.
type Relay interface {
	// Publish makes a token available to the peer.
	Publish(ctx context.Context, tok Token) error

	// Subscribe returns a channel of tokens published by the peer and
	// a cancel function that stops delivery and closes the channel.
	Subscribe(ctx context.Context) (<-chan Token, func(), error)
}

// MemoryRelay is an in-process Relay connecting controllers within one
// test. Every published token is delivered to every subscriber,
// including the publisher's own.
type MemoryRelay struct {
	mu     sync.Mutex
	subs   map[int]chan Token
	nextID int
}

var _ Relay = (*MemoryRelay)(nil)

// NewMemoryRelay returns an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[int]chan Token)}
}

// Publish implements [Relay].
func (r *MemoryRelay) Publish(ctx context.Context, tok Token) error {
	r.mu.Lock()
	targets := make([]chan Token, 0, len(r.subs))
	for _, ch := range r.subs {
		targets = append(targets, ch)
	}
	r.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements [Relay].
func (r *MemoryRelay) Subscribe(ctx context.Context) (<-chan Token, func(), error) {
	ch := make(chan Token, 8)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// PollRelayConfig holds configuration for creating a PollRelay.
type PollRelayConfig struct {
	// BaseURL is the root of the relay API.
	BaseURL string
	// SessionID names the mailbox both peers poll.
	SessionID string
	// Interval between polls. Defaults to two seconds.
	Interval time.Duration
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
	// Clock drives the poll schedule. If nil, the real clock is used.
	Clock clock.Clock
}

// PollRelay moves tokens through the relay API's signaling mailbox by
// HTTP short-polling. Both peers publish to and poll the same
// session-scoped mailbox; consumers filter their own tokens out.
type PollRelay struct {
	baseURL    string
	sessionID  string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	clk        clock.Clock
}

var _ Relay = (*PollRelay)(nil)

// NewPollRelay validates the configuration and creates the relay.
func NewPollRelay(config PollRelayConfig) (*PollRelay, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("signal: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("signal: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if config.SessionID == "" {
		return nil, fmt.Errorf("signal: SessionID is required")
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &PollRelay{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		sessionID:  config.SessionID,
		interval:   interval,
		httpClient: httpClient,
		logger:     logger,
		clk:        clk,
	}, nil
}

func (r *PollRelay) mailboxPath() string {
	return "/signaling/" + url.PathEscape(r.sessionID) + "/tokens"
}

// Publish implements [Relay].
func (r *PollRelay) Publish(ctx context.Context, tok Token) error {
	encoded, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("signal: encoding token: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+r.mailboxPath(), bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("signal: building publish request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := r.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("signal: publishing token: %w", err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("signal: publishing token: relay returned %d", response.StatusCode)
	}
	return nil
}

// Subscribe implements [Relay]. Polling stops when ctx is cancelled or
// the cancel function is called.
func (r *PollRelay) Subscribe(ctx context.Context) (<-chan Token, func(), error) {
	ch := make(chan Token, 8)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		ticker := r.clk.NewTicker(r.interval)
		defer ticker.Stop()
		since := int64(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			tokens, err := r.poll(ctx, since)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("signaling poll failed", "error", err)
				continue
			}
			for _, tok := range tokens {
				if tok.CreatedAt > since {
					since = tok.CreatedAt
				}
				select {
				case ch <- tok:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, cancel, nil
}

func (r *PollRelay) poll(ctx context.Context, since int64) ([]Token, error) {
	path := r.mailboxPath() + "?since=" + strconv.FormatInt(since, 10)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building poll request: %w", err)
	}
	response, err := r.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading poll response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("relay returned %d", response.StatusCode)
	}
	var payload struct {
		Tokens []Token `json:"tokens"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing poll response: %w", err)
	}
	return payload.Tokens, nil
}
