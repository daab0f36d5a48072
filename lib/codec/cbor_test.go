// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   []int{3, 1, 2},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same value produced different encodings")
	}
}

func TestUnmarshalDefaultMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	typed, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if typed["key"] != "value" {
		t.Errorf("decoded[key] = %v, want value", typed["key"])
	}
}

func TestRoundTripStruct(t *testing.T) {
	type record struct {
		ID        string    `cbor:"id"`
		CreatedAt time.Time `cbor:"created_at"`
		Count     int       `cbor:"count"`
	}

	in := record{ID: "m1", CreatedAt: time.Unix(1700000000, 0).UTC(), Count: 3}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ID != in.ID || !out.CreatedAt.Equal(in.CreatedAt) || out.Count != in.Count {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}
