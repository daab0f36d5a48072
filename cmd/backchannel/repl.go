// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/backchannel/channel"
	"github.com/bureau-foundation/backchannel/session"
	"github.com/bureau-foundation/backchannel/signal"
	"github.com/bureau-foundation/backchannel/store"
	"github.com/bureau-foundation/backchannel/transport"
)

// replState bundles the live components the interactive loop talks to.
type replState struct {
	controller *signal.Controller
	switcher   *transport.Switcher
	sess       *session.Session
	ch         *channel.Channel
	cache      *store.Cache
	input      *bufio.Reader
	params     clientParams
}

// repl runs the interactive command loop until /quit, EOF, or context
// cancellation.
func repl(ctx context.Context, state replState) error {
	var printMu sync.Mutex
	seen := make(map[string]bool)

	// Print peer messages as the cache picks them up, whether they
	// arrived over the data channel or the relay fallback.
	unsubCache := state.cache.Subscribe(state.params.conversationID, func(snapshot *store.Snapshot) {
		printMu.Lock()
		defer printMu.Unlock()
		for _, message := range snapshot.Messages {
			if message.Pending || message.SenderID != state.params.peerID || seen[message.ID] {
				continue
			}
			seen[message.ID] = true
			fmt.Printf("[%s] %s: %s\n",
				message.CreatedAt.Local().Format("15:04"), message.SenderID, message.Body)
		}
	})
	defer unsubCache()

	var lastTyping bool
	unsubPresence := state.ch.OnPresence(func(p channel.PresenceState) {
		printMu.Lock()
		defer printMu.Unlock()
		typing := len(p.TypingPeers) > 0
		if typing && !lastTyping {
			fmt.Printf("%s is typing...\n", state.params.peerID)
		}
		lastTyping = typing
		if p.LastReadPeer == state.params.peerID && p.LastReadID != "" {
			fmt.Printf("read by %s\n", p.LastReadPeer)
		}
	})
	defer unsubPresence()

	unsubErrors := state.ch.OnError(func(err error) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Fprintf(os.Stderr, "channel error: %v\n", err)
	})
	defer unsubErrors()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := state.input.ReadString('\n')
			if line != "" {
				select {
				case lines <- strings.TrimSuffix(line, "\n"):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				} else {
					readErr <- nil
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			if err := dispatch(ctx, state, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

func dispatch(ctx context.Context, state replState, line string) error {
	if !strings.HasPrefix(line, "/") {
		return sendMessage(ctx, state, line)
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "/token":
		return printTokens(state.controller)
	case "/accept":
		if rest == "" {
			return fmt.Errorf("usage: /accept <token>")
		}
		return state.controller.ApplyRemoteToken(rest)
	case "/sync":
		return state.ch.Sync(ctx, 0)
	case "/more":
		return loadMore(ctx, state)
	case "/history":
		return printHistory(ctx, state)
	case "/mode":
		mode, err := parseMode(rest)
		if err != nil {
			return err
		}
		return state.switcher.QueueSwitch(ctx, mode)
	case "/status":
		printStatus(state)
		return nil
	case "/trust":
		if err := state.sess.MarkTrusted(ctx); err != nil {
			return err
		}
		fmt.Println("peer fingerprint pinned")
		return nil
	case "/read":
		return markLatestRead(ctx, state)
	default:
		return fmt.Errorf("unknown command %s", command)
	}
}

func sendMessage(ctx context.Context, state replState, body string) error {
	state.ch.SendTyping()
	if err := state.ch.Send(ctx, body, newClientMessageID()); err != nil {
		return err
	}
	fmt.Printf("[%s] you: %s\n", time.Now().Format("15:04"), body)
	return nil
}

func printTokens(controller *signal.Controller) error {
	snap := controller.Snapshot()
	records := []struct {
		name   string
		record *signal.TokenRecord
	}{
		{"invite", snap.LocalInvite},
		{"answer", snap.LocalAnswer},
	}
	found := false
	for _, entry := range records {
		if entry.record == nil {
			continue
		}
		found = true
		fmt.Printf("local %s (expires %s):\n%s\n",
			entry.name, entry.record.ExpiresAt.Format(time.Kitchen), entry.record.Encoded)
	}
	if !found {
		return fmt.Errorf("no local token yet; still establishing")
	}
	return nil
}

func loadMore(ctx context.Context, state replState) error {
	snapshot := state.cache.Read(ctx, state.params.conversationID)
	if snapshot == nil || snapshot.NextCursor == "" {
		fmt.Println("no more history")
		return nil
	}
	next, err := state.ch.LoadMore(ctx, snapshot.NextCursor, 0)
	if err != nil {
		return err
	}
	if next == nil {
		fmt.Println("reached the start of the conversation")
	}
	return nil
}

func printHistory(ctx context.Context, state replState) error {
	snapshot := state.cache.Read(ctx, state.params.conversationID)
	if snapshot == nil || len(snapshot.Messages) == 0 {
		fmt.Println("no messages")
		return nil
	}
	for _, message := range snapshot.Messages {
		marker := ""
		if message.Pending {
			marker = " (sending)"
		}
		fmt.Printf("[%s] %s: %s%s\n",
			message.CreatedAt.Local().Format("Jan 2 15:04"), message.SenderID, message.Body, marker)
	}
	return nil
}

func printStatus(state replState) {
	transportState := "none"
	if current := state.switcher.Current(); current != nil {
		transportState = current.State().String()
	}
	fmt.Printf("transport: %s (mode %s)\n", transportState, state.switcher.Mode())
	if err := state.switcher.LastError(); err != nil {
		fmt.Printf("last transport error: %v\n", err)
	}
	if state.sess.Established() {
		fmt.Printf("session: established (peer %s)\n", shortFingerprint(state.sess.PeerFingerprint()))
	} else if err := state.sess.Err(); err != nil {
		fmt.Printf("session: failed (%v)\n", err)
	} else {
		fmt.Println("session: handshaking")
	}
	presence := state.ch.PresenceState()
	if len(presence.TypingPeers) > 0 {
		fmt.Printf("typing: %s\n", strings.Join(presence.TypingPeers, ", "))
	}
	if presence.LastReadID != "" {
		fmt.Printf("last read by %s: %s\n", presence.LastReadPeer, presence.LastReadID)
	}
}

func markLatestRead(ctx context.Context, state replState) error {
	snapshot := state.cache.Read(ctx, state.params.conversationID)
	if snapshot == nil {
		return fmt.Errorf("no messages to mark")
	}
	for i := len(snapshot.Messages) - 1; i >= 0; i-- {
		message := snapshot.Messages[i]
		if message.SenderID == state.params.peerID {
			state.ch.MarkRead(ctx, message.ID)
			return nil
		}
	}
	return fmt.Errorf("no peer messages to mark")
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) <= 16 {
		return fingerprint
	}
	return fingerprint[:16] + "..."
}
