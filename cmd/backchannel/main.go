// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// backchannel is an interactive peer-to-peer chat client. It
// establishes an encrypted WebRTC data channel to a single peer,
// exchanging self-contained signaling tokens either by copy-paste
// (manual mode) or through a signaling relay (poll and stream modes),
// and falls back to the HTTP relay API when the peer connection is
// unavailable.
//
// Configuration comes from a YAML file named by the
// BACKCHANNEL_CONFIG environment variable or the --config flag.
//
// Usage:
//
//	backchannel --role host --self alice --peer bob
//	backchannel --role guest --self bob --peer alice
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/backchannel/channel"
	"github.com/bureau-foundation/backchannel/lib/clock"
	"github.com/bureau-foundation/backchannel/lib/config"
	"github.com/bureau-foundation/backchannel/relay"
	"github.com/bureau-foundation/backchannel/session"
	"github.com/bureau-foundation/backchannel/signal"
	"github.com/bureau-foundation/backchannel/store"
	"github.com/bureau-foundation/backchannel/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		roleFlag     string
		selfID       string
		peerID       string
		conversation string
		modeFlag     string
		verbose      bool
	)

	flagSet := pflag.NewFlagSet("backchannel", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to backchannel.yaml (default: $BACKCHANNEL_CONFIG)")
	flagSet.StringVar(&roleFlag, "role", "", "connection role: host or guest")
	flagSet.StringVar(&selfID, "self", "", "local user ID")
	flagSet.StringVar(&peerID, "peer", "", "peer user ID")
	flagSet.StringVar(&conversation, "conversation", "", "conversation ID (default: derived from the two user IDs)")
	flagSet.StringVar(&modeFlag, "mode", "auto", "transport mode: reliable, datagram, or auto")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	role, err := parseRole(roleFlag)
	if err != nil {
		return err
	}
	mode, err := parseMode(modeFlag)
	if err != nil {
		return err
	}
	if selfID == "" || peerID == "" {
		return fmt.Errorf("--self and --peer are required")
	}
	if conversation == "" {
		conversation = directConversationID(selfID, peerID)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	logger := slog.New(handler)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runClient(ctx, cfg, logger, clientParams{
		role:           role,
		mode:           mode,
		selfID:         selfID,
		peerID:         peerID,
		conversationID: conversation,
	})
}

type clientParams struct {
	role           transport.Role
	mode           transport.Mode
	selfID         string
	peerID         string
	conversationID string
}

func runClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, params clientParams) error {
	if err := os.MkdirAll(cfg.Paths.Root, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	identity, err := session.LoadOrCreateIdentity(cfg.Paths.Identity, session.Default())
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	fmt.Printf("local fingerprint: %s\n", identity.Fingerprint())

	trustStore, err := session.OpenSQLiteTrustStore(cfg.Paths.Trust, logger)
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	defer trustStore.Close()

	storage, err := store.OpenSQLite(cfg.Paths.Store, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer storage.Close()
	cache := store.NewCache(storage, logger)
	defer cache.Flush()

	var relayClient *relay.Client
	if cfg.Relay.BaseURL != "" {
		timeout, err := cfg.RelayTimeout()
		if err != nil {
			return err
		}
		relayClient, err = relay.NewClient(relay.ClientConfig{
			BaseURL:    cfg.Relay.BaseURL,
			HTTPClient: &http.Client{Timeout: timeout},
			Logger:     logger,
		})
		if err != nil {
			return err
		}
	}

	controller := signal.NewController(logger, clock.Real())
	if err := controller.SetRole(params.role); err != nil {
		return err
	}

	// Relay modes rendezvous on a mailbox both peers can name before
	// they share a session ID.
	detachRelay, err := attachSignalingRelay(ctx, cfg, controller, params.conversationID, logger)
	if err != nil {
		return err
	}
	if detachRelay != nil {
		defer detachRelay()
	}

	// Print local tokens as the drivers publish them, so manual-mode
	// users can copy them to the peer.
	var printedMu sync.Mutex
	printed := make(map[string]bool)
	unsubTokens := controller.OnUpdate(func(snap signal.Snapshot) {
		printedMu.Lock()
		defer printedMu.Unlock()
		for _, record := range []*signal.TokenRecord{snap.LocalInvite, snap.LocalAnswer} {
			if record == nil || printed[record.Encoded] {
				continue
			}
			printed[record.Encoded] = true
			if cfg.Signaling.Mode == "manual" {
				fmt.Printf("\nsend this token to your peer (expires %s):\n%s\n\n",
					record.ExpiresAt.Format(time.Kitchen), record.Encoded)
			}
		}
	})
	defer unsubTokens()

	input := bufio.NewReader(os.Stdin)

	// The guest adopts the host's session ID from the invite, so the
	// invite must arrive before the crypto session is created.
	if params.role == transport.RoleGuest {
		if err := awaitInvite(ctx, cfg, controller, input); err != nil {
			return err
		}
	}

	sess, err := session.New(session.Config{
		SessionID: controller.SessionID(),
		Identity:  identity,
		Trust:     trustStore,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ice := transport.ICEConfig{}
	for _, server := range cfg.ICE.Servers {
		ice.Servers = append(ice.Servers,
			transport.ICEConfigFromURLs(server.URLs, server.Username, server.Credential).Servers...)
	}

	driverConfig := transport.Config{
		Role:     params.role,
		Exchange: controller,
		ICE:      ice,
		Logger:   logger,
	}
	reliable := func() transport.Transport { return transport.NewReliable(driverConfig) }
	datagram := func() transport.Transport { return transport.NewDatagram(driverConfig) }
	switcher := transport.NewSwitcher(map[transport.Mode]transport.Factory{
		transport.ModeReliable: reliable,
		transport.ModeDatagram: datagram,
		transport.ModeAuto: func() transport.Transport {
			return transport.NewAuto(reliable, datagram, logger)
		},
	}, logger)
	defer func() {
		teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer teardownCancel()
		switcher.Teardown(teardownCtx)
	}()

	// Reconnect on heartbeat silence by re-queueing the current mode.
	// The switcher tears down the stale handle and establishes fresh.
	reconnect := func() {
		go func() {
			if err := switcher.QueueSwitch(ctx, params.mode); err != nil && ctx.Err() == nil {
				logger.Warn("reconnect failed", "error", err)
			}
		}()
	}

	ch, err := channel.New(channel.Config{
		ConversationID: params.conversationID,
		SelfID:         params.selfID,
		FriendID:       params.peerID,
		Cache:          cache,
		Relay:          relayClient,
		OnRecovery:     reconnect,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	unsubSwitch := switcher.OnSwitch(func(_ transport.Mode, tp transport.Transport) {
		tp.OnMessage(func(payload []byte) {
			if err := sess.HandleFrame(ctx, payload); err != nil {
				logger.Debug("dropped inbound frame", "error", err)
			}
		})
		tp.OnStateChange(func(state transport.State) {
			controller.SetConnected(state == transport.StateConnected)
			ch.HandleState(state)
		})
		if err := sess.Attach(tp.Send); err != nil {
			logger.Error("session attach failed", "error", err)
			return
		}
		ch.AttachTransport(sess.Send)
	})
	defer unsubSwitch()

	unsubPlaintext := sess.OnPlaintext(func(payload []byte) {
		ch.HandleFrame(ctx, payload)
	})
	defer unsubPlaintext()

	go func() {
		select {
		case <-sess.Ready():
		case <-ctx.Done():
			return
		}
		if err := sess.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "session failed: %v\n", err)
			return
		}
		ch.SetSessionReady(true)
		reportTrust(ctx, cfg, sess, trustStore)
	}()

	go func() {
		if err := switcher.QueueSwitch(ctx, params.mode); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		}
	}()

	return repl(ctx, replState{
		controller: controller,
		switcher:   switcher,
		sess:       sess,
		ch:         ch,
		cache:      cache,
		input:      input,
		params:     params,
	})
}

// attachSignalingRelay wires the configured relay transport into the
// controller. Returns nil detach for manual mode.
func attachSignalingRelay(ctx context.Context, cfg *config.Config, controller *signal.Controller, mailbox string, logger *slog.Logger) (func(), error) {
	switch cfg.Signaling.Mode {
	case "manual", "":
		return nil, nil
	case "poll":
		interval, err := cfg.SignalingPollInterval()
		if err != nil {
			return nil, err
		}
		poll, err := signal.NewPollRelay(signal.PollRelayConfig{
			BaseURL:   cfg.Signaling.URL,
			SessionID: mailbox,
			Interval:  interval,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return controller.AttachRelay(ctx, poll)
	case "stream":
		stream, err := signal.DialStream(ctx, cfg.Signaling.URL, logger)
		if err != nil {
			return nil, err
		}
		detach, err := controller.AttachRelay(ctx, stream)
		if err != nil {
			stream.Close()
			return nil, err
		}
		return func() {
			detach()
			stream.Close()
		}, nil
	default:
		return nil, fmt.Errorf("invalid signaling mode: %s", cfg.Signaling.Mode)
	}
}

// awaitInvite blocks until the guest controller holds the host's
// invite. In manual mode the token is read from stdin; in relay modes
// it arrives through the attached relay.
func awaitInvite(ctx context.Context, cfg *config.Config, controller *signal.Controller, input *bufio.Reader) error {
	if cfg.Signaling.Mode == "manual" || cfg.Signaling.Mode == "" {
		fmt.Print("paste the invite token from your peer:\n> ")
		token, err := input.ReadString('\n')
		if err != nil && token == "" {
			return fmt.Errorf("read invite token: %w", err)
		}
		return controller.ApplyRemoteToken(strings.TrimSpace(token))
	}

	got := make(chan struct{}, 1)
	unsub := controller.OnUpdate(func(snap signal.Snapshot) {
		if snap.RemoteInvite != nil {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if controller.Snapshot().RemoteInvite != nil {
		return nil
	}
	fmt.Println("waiting for the host's invite...")
	select {
	case <-got:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reportTrust tells the user where the peer fingerprint stands once
// the handshake completes. Development pins on first use; production
// requires an explicit /trust after out-of-band verification.
func reportTrust(ctx context.Context, cfg *config.Config, sess *session.Session, trustStore session.TrustStore) {
	fmt.Printf("session established with peer fingerprint %s\n", sess.PeerFingerprint())

	state, err := trustStore.Load(ctx, sess.SessionID())
	if err != nil || state == nil {
		return
	}
	if state.Trusted {
		fmt.Println("peer fingerprint verified (pinned)")
		return
	}
	if cfg.Trust.PinOnFirstUse {
		if err := sess.MarkTrusted(ctx); err == nil {
			fmt.Println("peer fingerprint pinned on first use")
		}
		return
	}
	fmt.Println("peer fingerprint is UNVERIFIED; compare fingerprints out of band, then run /trust")
}

func parseRole(value string) (transport.Role, error) {
	switch value {
	case "host":
		return transport.RoleHost, nil
	case "guest":
		return transport.RoleGuest, nil
	default:
		return transport.RoleNone, fmt.Errorf("--role must be host or guest")
	}
}

func parseMode(value string) (transport.Mode, error) {
	switch transport.Mode(value) {
	case transport.ModeReliable, transport.ModeDatagram, transport.ModeAuto:
		return transport.Mode(value), nil
	default:
		return "", fmt.Errorf("--mode must be reliable, datagram, or auto")
	}
}

// directConversationID derives a stable conversation ID from the two
// participant IDs, independent of which side derives it.
func directConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "direct:" + a + ":" + b
}

func newClientMessageID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `backchannel - encrypted peer-to-peer chat

Establishes a WebRTC data channel to a single peer. The host generates
an invite token; the guest answers it. Tokens expire after two
minutes. Messages fall back to the HTTP relay when the peer link is
down, and history merges when it returns.

Usage:
    backchannel --role host --self alice --peer bob
    backchannel --role guest --self bob --peer alice

Flags:
%s
Interactive commands:
    /token            reprint the local signaling token
    /accept <token>   apply a token received from the peer
    /sync             fetch latest history from the peer
    /more             load the next (older) history page
    /history          print the cached conversation
    /mode <m>         switch transport mode (reliable, datagram, auto)
    /status           show transport, session, and presence state
    /trust            pin the peer fingerprint after verifying it
    /read             mark the latest peer message as read
    /quit             exit

Any other input is sent as a chat message.
`, flagSet.FlagUsages())
}
