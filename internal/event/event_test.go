package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestComputeHashDeterministic(t *testing.T) {
	emitted := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := MessagePayload{Role: "user", Content: "hello"}

	a, err := ComputeHash(TypeMessage, emitted, payload)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	b, err := ComputeHash(TypeMessage, emitted, payload)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical hashes, got %s and %s", a, b)
	}
	if len(a) != HashLength {
		t.Fatalf("expected %d-char hash, got %d", HashLength, len(a))
	}
}

func TestComputeHashKeyOrderIndependent(t *testing.T) {
	emitted := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := ComputeHash(TypeToolCall, emitted, map[string]any{"name": "edit", "parameters": map[string]any{"file_path": "a.go", "offset": 10}})
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	b, err := ComputeHash(TypeToolCall, emitted, map[string]any{"parameters": map[string]any{"offset": 10, "file_path": "a.go"}, "name": "edit"})
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if a != b {
		t.Fatalf("key order changed the hash: %s vs %s", a, b)
	}
}

func TestComputeHashDistinguishes(t *testing.T) {
	emitted := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	base, err := ComputeHash(TypeMessage, emitted, MessagePayload{Role: "user", Content: "hello"})
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}

	otherPayload, err := ComputeHash(TypeMessage, emitted, MessagePayload{Role: "user", Content: "hello!"})
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if base == otherPayload {
		t.Fatalf("different payloads should not collide")
	}

	otherType, err := ComputeHash(TypeToolCall, emitted, MessagePayload{Role: "user", Content: "hello"})
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if base == otherType {
		t.Fatalf("different types should not collide")
	}

	otherTime, err := ComputeHash(TypeMessage, emitted.Add(time.Second), MessagePayload{Role: "user", Content: "hello"})
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if base == otherTime {
		t.Fatalf("different emit times should not collide")
	}
}

func TestNewEvent(t *testing.T) {
	emitted := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evt, err := New(TypeMessage, emitted, MessagePayload{Role: "assistant", Content: "done"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if evt.ContentHash == "" {
		t.Fatalf("expected content hash to be set")
	}
	if !evt.EmittedAt.Equal(emitted) {
		t.Fatalf("unexpected emitted_at: %v", evt.EmittedAt)
	}
	if evt.ObservedAt.IsZero() {
		t.Fatalf("expected observed_at to be set")
	}

	var payload MessagePayload
	if err := evt.DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Role != "assistant" || payload.Content != "done" {
		t.Fatalf("payload round trip mismatch: %+v", payload)
	}
}

func TestSortByEmittedAt(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t1.Add(2 * time.Minute)

	events := []Event{
		{Type: TypeSessionEnd, EmittedAt: t3, Payload: json.RawMessage(`{}`)},
		{Type: TypeMessage, EmittedAt: t1, Payload: json.RawMessage(`{}`)},
		{Type: TypeMessage, EmittedAt: t2, Payload: json.RawMessage(`{}`)},
	}
	SortByEmittedAt(events)

	if events[0].EmittedAt != t1 || events[1].EmittedAt != t2 || events[2].EmittedAt != t3 {
		t.Fatalf("events not in emitted order: %v", events)
	}
}
