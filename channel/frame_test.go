// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"testing"
)

func TestDecodeFrameDispatchesOnType(t *testing.T) {
	raw, err := EncodeFrame(MessageSend{
		ConversationID:  "conv-1",
		SenderID:        "alice",
		Body:            "hi",
		ClientMessageID: "c1",
		CreatedAt:       1700000000000,
	})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	send, ok := frame.(MessageSend)
	if !ok {
		t.Fatalf("decoded %T, want MessageSend", frame)
	}
	if send.ClientMessageID != "c1" || send.Body != "hi" {
		t.Errorf("decoded frame = %+v", send)
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"message:recall","id":"m1"}`},
		{"missing type", `{"body":"hi"}`},
		{"not json", `hello`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeFrame([]byte(tc.raw)); err == nil {
				t.Error("expected decode error, got nil")
			}
		})
	}
}

func TestEncodeFrameFillsDiscriminator(t *testing.T) {
	raw, err := EncodeFrame(HeartbeatPing{SentAt: 12345})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := frame.(HeartbeatPing); !ok {
		t.Errorf("round trip produced %T, want HeartbeatPing", frame)
	}
}
