// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// StreamRelay moves tokens over a websocket connection to the relay's
// session-scoped signaling stream. WebSocket messages already have
// boundaries, so each token travels as one JSON message with no extra
// framing.
type StreamRelay struct {
	conn   *websocket.Conn
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Relay = (*StreamRelay)(nil)

// DialStream connects to the relay's signaling stream for a session.
// The caller must Close the relay when the exchange is done.
func DialStream(ctx context.Context, streamURL string, logger *slog.Logger) (*StreamRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dialing token stream: %w", err)
	}
	return NewStreamRelay(conn, logger), nil
}

// NewStreamRelay wraps an existing websocket connection. Useful for
// tests that accept the server side themselves.
func NewStreamRelay(conn *websocket.Conn, logger *slog.Logger) *StreamRelay {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamRelay{
		conn:   conn,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish implements [Relay].
func (r *StreamRelay) Publish(ctx context.Context, tok Token) error {
	if err := wsjson.Write(ctx, r.conn, tok); err != nil {
		return fmt.Errorf("signal: writing token to stream: %w", err)
	}
	return nil
}

// Subscribe implements [Relay]. Only one subscription per relay: the
// stream is a single connection and has exactly one reader.
func (r *StreamRelay) Subscribe(ctx context.Context) (<-chan Token, func(), error) {
	ch := make(chan Token, 8)
	readCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		for {
			var tok Token
			if err := wsjson.Read(readCtx, r.conn, &tok); err != nil {
				if readCtx.Err() == nil && r.ctx.Err() == nil && !isCleanClose(err) {
					r.logger.Warn("token stream closed", "error", err)
				}
				return
			}
			select {
			case ch <- tok:
			case <-readCtx.Done():
				return
			}
		}
	}()

	return ch, cancel, nil
}

// Close tears down the websocket connection.
func (r *StreamRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		err = r.conn.Close(websocket.StatusNormalClosure, "done")
	})
	return err
}

// isCleanClose reports whether err is an orderly websocket shutdown.
// Normal closure and going-away both count; implementations differ in
// which one their shutdown timing produces.
func isCleanClose(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
