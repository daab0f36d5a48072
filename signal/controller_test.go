// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/backchannel/lib/clock"
	"github.com/bureau-foundation/backchannel/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testStart() time.Time {
	return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
}

func TestNewControllerDefaults(t *testing.T) {
	controller := NewController(nil, nil)
	if err := controller.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	// Publishing exercises both the defaulted logger and clock.
	if err := controller.PublishOffer(context.Background(), "sdp-offer"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	if controller.Snapshot().LocalInvite == nil {
		t.Fatal("no local invite published")
	}
}

func TestHostGuestTokenExchange(t *testing.T) {
	ctx := context.Background()
	host := NewController(testLogger(), clock.Fake(testStart()))
	guest := NewController(testLogger(), clock.Fake(testStart()))

	if err := host.SetRole(transport.RoleHost); err != nil {
		t.Fatalf("host SetRole: %v", err)
	}
	if err := guest.SetRole(transport.RoleGuest); err != nil {
		t.Fatalf("guest SetRole: %v", err)
	}

	if err := host.PublishOffer(ctx, "host-offer-sdp"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	invite := host.Snapshot().LocalInvite
	if invite == nil {
		t.Fatal("host snapshot missing local invite after publish")
	}

	// The invite travels out of band; the guest pastes it in.
	if err := guest.ApplyRemoteToken(invite.Encoded); err != nil {
		t.Fatalf("guest ApplyRemoteToken: %v", err)
	}
	if got, want := guest.SessionID(), host.SessionID(); got != want {
		t.Errorf("guest session ID = %q, want host's %q", got, want)
	}

	offer, err := guest.AwaitOffer(ctx)
	if err != nil {
		t.Fatalf("AwaitOffer: %v", err)
	}
	if offer != "host-offer-sdp" {
		t.Errorf("AwaitOffer = %q, want %q", offer, "host-offer-sdp")
	}

	if err := guest.PublishAnswer(ctx, "guest-answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}
	answer := guest.Snapshot().LocalAnswer
	if answer == nil {
		t.Fatal("guest snapshot missing local answer after publish")
	}

	if err := host.ApplyRemoteToken(answer.Encoded); err != nil {
		t.Fatalf("host ApplyRemoteToken: %v", err)
	}
	got, err := host.AwaitAnswer(ctx)
	if err != nil {
		t.Fatalf("AwaitAnswer: %v", err)
	}
	if got != "guest-answer-sdp" {
		t.Errorf("AwaitAnswer = %q, want %q", got, "guest-answer-sdp")
	}
}

func TestApplyRemoteTokenIdempotent(t *testing.T) {
	host := NewController(testLogger(), clock.Fake(testStart()))
	guest := NewController(testLogger(), clock.Fake(testStart()))
	if err := host.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	if err := guest.SetRole(transport.RoleGuest); err != nil {
		t.Fatal(err)
	}
	if err := host.PublishOffer(context.Background(), "sdp"); err != nil {
		t.Fatal(err)
	}
	invite := host.Snapshot().LocalInvite.Encoded

	updates := 0
	defer guest.OnUpdate(func(Snapshot) { updates++ })()

	if err := guest.ApplyRemoteToken(invite); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := guest.ApplyRemoteToken(invite); err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	if updates != 1 {
		t.Errorf("got %d snapshot updates, want 1 (duplicate must be a no-op)", updates)
	}
}

func TestApplyExpiredTokenRejected(t *testing.T) {
	hostClock := clock.Fake(testStart())
	host := NewController(testLogger(), hostClock)
	if err := host.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	if err := host.PublishOffer(context.Background(), "sdp"); err != nil {
		t.Fatal(err)
	}
	invite := host.Snapshot().LocalInvite.Encoded

	// The guest's clock sits past the token's validity window.
	guest := NewController(testLogger(), clock.Fake(testStart().Add(TokenTTL+time.Second)))
	if err := guest.SetRole(transport.RoleGuest); err != nil {
		t.Fatal(err)
	}
	err := guest.ApplyRemoteToken(invite)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ApplyRemoteToken = %v, want ErrTokenExpired", err)
	}
}

func TestAnswerForWrongSessionRejected(t *testing.T) {
	host := NewController(testLogger(), clock.Fake(testStart()))
	if err := host.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	stray := Token{
		Type:        tokenType,
		Kind:        KindAnswer,
		Description: "sdp",
		SessionID:   "someone-elses-session",
		CreatedAt:   testStart().UnixMilli(),
	}
	encoded, err := stray.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := host.ApplyRemoteToken(encoded); !errors.Is(err, ErrWrongSession) {
		t.Errorf("ApplyRemoteToken = %v, want ErrWrongSession", err)
	}
}

func TestWrongKindForRoleRejected(t *testing.T) {
	host := NewController(testLogger(), clock.Fake(testStart()))
	if err := host.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	offer := Token{
		Type:        tokenType,
		Kind:        KindOffer,
		Description: "sdp",
		SessionID:   "other",
		CreatedAt:   testStart().UnixMilli(),
	}
	encoded, err := offer.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := host.ApplyRemoteToken(encoded); err == nil {
		t.Error("host applied an offer token, want error")
	}
}

func TestOperationsWithoutRole(t *testing.T) {
	c := NewController(testLogger(), clock.Fake(testStart()))

	if err := c.PublishOffer(context.Background(), "sdp"); !errors.Is(err, ErrNoRole) {
		t.Errorf("PublishOffer = %v, want ErrNoRole", err)
	}
	tok := Token{
		Type:        tokenType,
		Kind:        KindOffer,
		Description: "sdp",
		SessionID:   "s1",
		CreatedAt:   testStart().UnixMilli(),
	}
	encoded, err := tok.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyRemoteToken(encoded); !errors.Is(err, ErrNoRole) {
		t.Errorf("ApplyRemoteToken = %v, want ErrNoRole", err)
	}
}

func TestLocalTokenExpires(t *testing.T) {
	clk := clock.Fake(testStart())
	c := NewController(testLogger(), clk)
	if err := c.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	if err := c.PublishOffer(context.Background(), "sdp"); err != nil {
		t.Fatal(err)
	}
	if c.Snapshot().LocalInvite == nil {
		t.Fatal("local invite missing after publish")
	}

	clk.Advance(TokenTTL + time.Second)
	if c.Snapshot().LocalInvite != nil {
		t.Error("local invite still present past its TTL")
	}
}

func TestSetRoleResetsSession(t *testing.T) {
	clk := clock.Fake(testStart())
	c := NewController(testLogger(), clk)
	if err := c.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	firstSession := c.SessionID()
	if err := c.PublishOffer(context.Background(), "sdp"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)

	if err := c.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if snap.SessionID == firstSession {
		t.Error("SetRole kept the previous session ID")
	}
	if snap.LocalInvite != nil {
		t.Error("SetRole kept the previous invite token")
	}

	// Fires the first session's expiry timer but not the second's; the
	// stale timer must not touch the new session's invite.
	if err := c.PublishOffer(context.Background(), "sdp2"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(TokenTTL - 5*time.Second)
	if c.Snapshot().LocalInvite == nil {
		t.Error("stale expiry timer cleared the new session's invite")
	}
}

func TestReadyToInitialize(t *testing.T) {
	c := NewController(testLogger(), clock.Fake(testStart()))
	if c.ReadyToInitialize() {
		t.Error("ready with no role")
	}

	if err := c.SetRole(transport.RoleGuest); err != nil {
		t.Fatal(err)
	}
	if c.ReadyToInitialize() {
		t.Error("guest ready before receiving an invite")
	}

	host := NewController(testLogger(), clock.Fake(testStart()))
	if err := host.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	if !host.ReadyToInitialize() {
		t.Error("host not ready after selecting role")
	}
	if err := host.PublishOffer(context.Background(), "sdp"); err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyRemoteToken(host.Snapshot().LocalInvite.Encoded); err != nil {
		t.Fatal(err)
	}
	if !c.ReadyToInitialize() {
		t.Error("guest not ready after applying the invite")
	}
}

func TestClearRole(t *testing.T) {
	c := NewController(testLogger(), clock.Fake(testStart()))
	if err := c.SetRole(transport.RoleHost); err != nil {
		t.Fatal(err)
	}
	c.ClearRole()
	snap := c.Snapshot()
	if snap.Role != transport.RoleNone || snap.SessionID != "" {
		t.Errorf("ClearRole left role=%v session=%q", snap.Role, snap.SessionID)
	}
}
