// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/bureau-foundation/backchannel/lib/clock"
	"github.com/bureau-foundation/backchannel/transport"
)

func TestMemoryRelayDelivery(t *testing.T) {
	relay := NewMemoryRelay()
	ch, cancel, err := relay.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tok := Token{Type: tokenType, Kind: KindOffer, Description: "sdp", SessionID: "s1", CreatedAt: 1}
	if err := relay.Publish(context.Background(), tok); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-ch:
		if got != tok {
			t.Errorf("received %+v, want %+v", got, tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for token")
	}

	cancel()
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
	// Publishing after cancel must not block or deliver.
	if err := relay.Publish(context.Background(), tok); err != nil {
		t.Fatalf("Publish after cancel: %v", err)
	}
}

// Two controllers on one broadcast relay complete the whole exchange
// with no manual token transfer. Each side sees its own tokens echoed
// back and must ignore them.
func TestControllersExchangeOverRelay(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	host := NewController(testLogger(), clock.Fake(testStart()))
	guest := NewController(testLogger(), clock.Fake(testStart()))

	detachHost, err := host.AttachRelay(ctx, relay)
	if err != nil {
		t.Fatal(err)
	}
	defer detachHost()
	detachGuest, err := guest.AttachRelay(ctx, relay)
	if err != nil {
		t.Fatal(err)
	}
	defer detachGuest()

	if err := host.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	if err := guest.SetRole(transport.RoleGuest); err != nil {
		t.Fatal(err)
	}

	if err := host.PublishOffer(ctx, "offer-sdp"); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	offer, err := guest.AwaitOffer(waitCtx)
	if err != nil {
		t.Fatalf("AwaitOffer: %v", err)
	}
	if offer != "offer-sdp" {
		t.Errorf("AwaitOffer = %q, want %q", offer, "offer-sdp")
	}

	if err := guest.PublishAnswer(ctx, "answer-sdp"); err != nil {
		t.Fatal(err)
	}
	answer, err := host.AwaitAnswer(waitCtx)
	if err != nil {
		t.Fatalf("AwaitAnswer: %v", err)
	}
	if answer != "answer-sdp" {
		t.Errorf("AwaitAnswer = %q, want %q", answer, "answer-sdp")
	}
}

// mailboxServer is a minimal in-memory stand-in for the relay API's
// signaling mailbox endpoints.
type mailboxServer struct {
	mu     sync.Mutex
	tokens []Token
}

func (m *mailboxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var tok Token
		if err := json.NewDecoder(r.Body).Decode(&tok); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.tokens = append(m.tokens, tok)
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		m.mu.Lock()
		var out []Token
		for _, tok := range m.tokens {
			if tok.CreatedAt > since {
				out = append(out, tok)
			}
		}
		m.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"tokens": out})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func TestPollRelayRoundTrip(t *testing.T) {
	server := httptest.NewServer(&mailboxServer{})
	t.Cleanup(server.Close)

	clk := clock.Fake(testStart())
	relay, err := NewPollRelay(PollRelayConfig{
		BaseURL:   server.URL,
		SessionID: "s1",
		Interval:  time.Second,
		Logger:    testLogger(),
		Clock:     clk,
	})
	if err != nil {
		t.Fatal(err)
	}

	ch, cancel, err := relay.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	clk.WaitForTimers(1)

	tok := Token{Type: tokenType, Kind: KindAnswer, Description: "sdp", SessionID: "s1", CreatedAt: testStart().UnixMilli()}
	if err := relay.Publish(context.Background(), tok); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	clk.Advance(time.Second)
	select {
	case got := <-ch:
		if got != tok {
			t.Errorf("received %+v, want %+v", got, tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polled token")
	}
}

func streamPair(t *testing.T) (*StreamRelay, *StreamRelay) {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("server accept failed: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, err := DialStream(context.Background(), wsURL, testLogger())
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	serverSide := NewStreamRelay(<-serverConns, testLogger())
	t.Cleanup(func() { serverSide.Close() })
	return serverSide, client
}

func TestStreamRelayRoundTrip(t *testing.T) {
	serverSide, client := streamPair(t)

	ch, cancel, err := client.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	tok := Token{Type: tokenType, Kind: KindOffer, Description: "sdp", SessionID: "s1", CreatedAt: 7}
	if err := serverSide.Publish(context.Background(), tok); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got != tok {
			t.Errorf("received %+v, want %+v", got, tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed token")
	}
}

func TestStreamRelayCloseEndsSubscription(t *testing.T) {
	serverSide, client := streamPair(t)

	ch, cancel, err := client.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := serverSide.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel after peer shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after peer close")
	}
}
