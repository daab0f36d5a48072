// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/backchannel/lib/clock"
)

// iceGatherTimeout is the maximum wait for ICE candidate gathering to
// complete before the local description is published (vanilla ICE).
const iceGatherTimeout = 15 * time.Second

// channelOpenTimeout is the maximum wait for the data channel to open
// after descriptions have been exchanged.
const channelOpenTimeout = 30 * time.Second

// Compile-time interface check.
var _ Transport = (*PeerChannel)(nil)

// channelProfile selects the data channel semantics for a driver.
type channelProfile struct {
	name    string
	label   string
	ordered bool
	// maxRetransmits limits retransmission attempts. Nil means full
	// reliability (reliable profile); zero disables retransmits
	// entirely (datagram profile).
	maxRetransmits *uint16
}

var reliableProfile = channelProfile{
	name:    "reliable",
	label:   "conversation",
	ordered: true,
}

var datagramProfile = func() channelProfile {
	zero := uint16(0)
	return channelProfile{
		name:           "datagram",
		label:          "conversation-dgram",
		ordered:        false,
		maxRetransmits: &zero,
	}
}()

// Config holds the construction parameters shared by the WebRTC
// drivers.
type Config struct {
	// Role selects the offer or answer side of establishment.
	Role Role
	// Exchange trades session descriptions with the peer.
	Exchange Exchange
	// ICE is the candidate-gathering configuration.
	ICE ICEConfig
	// Logger receives establishment and state-change events. Nil
	// disables logging.
	Logger *slog.Logger
	// Clock drives establishment timeouts. Nil means the real clock.
	Clock clock.Clock
}

func (c *Config) normalize() {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// PeerChannel is a Transport over a single pion data channel. The
// reliable and datagram drivers share this machinery with different
// channel profiles.
type PeerChannel struct {
	base

	role     Role
	exchange Exchange
	ice      ICEConfig
	clk      clock.Clock
	profile  channelProfile

	mu         sync.Mutex
	connection *webrtc.PeerConnection
	channel    *webrtc.DataChannel
	closed     bool
	degraded   bool
}

// NewReliable creates the preferred driver: an ordered data channel
// with full retransmission.
func NewReliable(cfg Config) *PeerChannel {
	return newPeerChannel(cfg, reliableProfile)
}

// NewDatagram creates the fallback driver: an unordered data channel
// with retransmits disabled, trading delivery guarantees for latency.
func NewDatagram(cfg Config) *PeerChannel {
	return newPeerChannel(cfg, datagramProfile)
}

func newPeerChannel(cfg Config, profile channelProfile) *PeerChannel {
	cfg.normalize()
	return &PeerChannel{
		base:     newBase(cfg.Logger),
		role:     cfg.Role,
		exchange: cfg.Exchange,
		ice:      cfg.ICE,
		clk:      cfg.Clock,
		profile:  profile,
	}
}

// Connect establishes the peer connection and data channel. The host
// creates the channel and publishes the offer; the guest waits for
// the offer and adopts the channel the host created. Blocks until the
// channel is open or establishment fails.
func (p *PeerChannel) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.connection != nil {
		p.mu.Unlock()
		return fmt.Errorf("transport: %s driver already connected", p.profile.name)
	}
	p.mu.Unlock()

	p.setState(StateConnecting)

	connection, err := p.newPeerConnection()
	if err != nil {
		err = fmt.Errorf("transport: creating peer connection: %w", err)
		p.fail(err)
		return err
	}

	p.mu.Lock()
	p.connection = connection
	p.mu.Unlock()

	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.handleICEState(state)
	})

	opened := make(chan *webrtc.DataChannel, 1)

	var establishErr error
	switch p.role {
	case RoleHost:
		establishErr = p.establishAsHost(ctx, connection, opened)
	case RoleGuest:
		establishErr = p.establishAsGuest(ctx, connection, opened)
	default:
		establishErr = fmt.Errorf("transport: no role selected")
	}
	if establishErr != nil {
		connection.Close()
		p.fail(establishErr)
		return establishErr
	}

	// Wait for the data channel to open.
	select {
	case channel := <-opened:
		p.mu.Lock()
		p.channel = channel
		p.mu.Unlock()
	case <-p.clk.After(channelOpenTimeout):
		connection.Close()
		err := fmt.Errorf("transport: %s channel did not open within %s",
			p.profile.name, channelOpenTimeout)
		p.fail(err)
		return err
	case <-ctx.Done():
		connection.Close()
		p.fail(ctx.Err())
		return ctx.Err()
	}

	p.setState(StateConnected)
	p.markReady()
	p.logger.Info("transport connected",
		"driver", p.profile.name,
		"role", p.role.String(),
		"session", p.exchange.SessionID(),
	)
	return nil
}

// establishAsHost creates the data channel, publishes the offer, and
// applies the peer's answer.
func (p *PeerChannel) establishAsHost(ctx context.Context, connection *webrtc.PeerConnection, opened chan<- *webrtc.DataChannel) error {
	channel, err := connection.CreateDataChannel(p.profile.label, &webrtc.DataChannelInit{
		Ordered:        &p.profile.ordered,
		MaxRetransmits: p.profile.maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("transport: creating data channel: %w", err)
	}
	p.adoptChannel(channel, opened)

	offer, err := connection.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("transport: setting local description: %w", err)
	}
	if err := p.awaitGathering(ctx, gathered); err != nil {
		return err
	}

	if err := p.exchange.PublishOffer(ctx, connection.LocalDescription().SDP); err != nil {
		return fmt.Errorf("transport: publishing offer: %w", err)
	}

	answerSDP, err := p.exchange.AwaitAnswer(ctx)
	if err != nil {
		return fmt.Errorf("transport: waiting for answer: %w", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := connection.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: setting remote description: %w", err)
	}
	return nil
}

// establishAsGuest waits for the host's offer, answers it, and adopts
// the data channel the host created.
func (p *PeerChannel) establishAsGuest(ctx context.Context, connection *webrtc.PeerConnection, opened chan<- *webrtc.DataChannel) error {
	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != p.profile.label {
			p.logger.Debug("ignoring unexpected data channel", "label", channel.Label())
			return
		}
		p.adoptChannel(channel, opened)
	})

	offerSDP, err := p.exchange.AwaitOffer(ctx)
	if err != nil {
		return fmt.Errorf("transport: waiting for offer: %w", err)
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := connection.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("transport: setting remote description: %w", err)
	}

	answer, err := connection.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("transport: creating answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("transport: setting local description: %w", err)
	}
	if err := p.awaitGathering(ctx, gathered); err != nil {
		return err
	}

	if err := p.exchange.PublishAnswer(ctx, connection.LocalDescription().SDP); err != nil {
		return fmt.Errorf("transport: publishing answer: %w", err)
	}
	return nil
}

// adoptChannel wires message and lifecycle handlers onto the data
// channel and reports it on opened once it is usable.
func (p *PeerChannel) adoptChannel(channel *webrtc.DataChannel, opened chan<- *webrtc.DataChannel) {
	channel.OnOpen(func() {
		select {
		case opened <- channel:
		default:
		}
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.emitMessage(msg.Data)
	})
	channel.OnClose(func() {
		p.setState(StateClosed)
	})
	channel.OnError(func(err error) {
		p.emitError(fmt.Errorf("transport: %s channel: %w", p.profile.name, err))
	})
}

// awaitGathering waits for vanilla ICE candidate gathering.
func (p *PeerChannel) awaitGathering(ctx context.Context, gathered <-chan struct{}) error {
	select {
	case <-gathered:
		return nil
	case <-p.clk.After(iceGatherTimeout):
		return fmt.Errorf("transport: ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleICEState maps pion's ICE connection states onto the transport
// state machine.
func (p *PeerChannel) handleICEState(state webrtc.ICEConnectionState) {
	p.logger.Debug("ICE state change",
		"driver", p.profile.name,
		"state", state.String(),
	)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.mu.Lock()
		wasDegraded := p.degraded
		p.degraded = false
		hasChannel := p.channel != nil
		p.mu.Unlock()
		// Only report Connected after the channel exists; during
		// initial establishment Connect handles the transition.
		if wasDegraded && hasChannel {
			p.setState(StateConnected)
		}

	case webrtc.ICEConnectionStateDisconnected:
		p.mu.Lock()
		p.degraded = true
		p.mu.Unlock()
		p.setState(StateDegraded)

	case webrtc.ICEConnectionStateChecking:
		p.mu.Lock()
		recovering := p.degraded
		p.mu.Unlock()
		if recovering {
			p.setState(StateRecovering)
		}

	case webrtc.ICEConnectionStateFailed:
		p.fail(fmt.Errorf("transport: %s ICE connection failed", p.profile.name))

	case webrtc.ICEConnectionStateClosed:
		p.setState(StateClosed)
	}
}

// Send delivers one payload over the data channel.
func (p *PeerChannel) Send(payload []byte) error {
	if p.State() != StateConnected {
		return ErrNotConnected
	}

	p.mu.Lock()
	channel := p.channel
	p.mu.Unlock()
	if channel == nil {
		return ErrNotConnected
	}

	if err := channel.Send(payload); err != nil {
		return fmt.Errorf("transport: sending on %s channel: %w", p.profile.name, err)
	}
	return nil
}

// Disconnect closes the data channel and peer connection.
func (p *PeerChannel) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	channel := p.channel
	connection := p.connection
	p.channel = nil
	p.connection = nil
	p.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if connection != nil {
		connection.Close()
	}
	p.setState(StateClosed)
	return nil
}

// newPeerConnection builds a pion PeerConnection with loopback
// candidates enabled so same-machine peers (and tests) connect
// without any STUN server.
func (p *PeerChannel) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.ice.Servers,
	})
}
