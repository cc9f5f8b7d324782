package event

import (
	"encoding/json"
	"sort"
	"time"
)

type Type string

const (
	TypeSessionStart Type = "session_start"
	TypeSessionEnd   Type = "session_end"
	TypeMessage      Type = "message"
	TypeToolCall     Type = "tool_call"
)

// Event is the smallest unit of ingested activity. It is transient: only the
// messages it produces are persisted, keyed by ContentHash for deduplication.
type Event struct {
	Type        Type            `json:"type"`
	EmittedAt   time.Time       `json:"emitted_at"`
	ObservedAt  time.Time       `json:"observed_at"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload"`
}

func (e Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// New builds an Event from a typed payload, computing its content hash.
// ObservedAt is the ingestion wall clock, EmittedAt the source's logical time.
func New(eventType Type, emittedAt time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	hash, err := ComputeHash(eventType, emittedAt, payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:        eventType,
		EmittedAt:   emittedAt.UTC(),
		ObservedAt:  time.Now().UTC(),
		ContentHash: hash,
		Payload:     data,
	}, nil
}

// SortByEmittedAt orders a batch by source logical time. Arrival order is not
// trusted; sequence numbers and state transitions depend on emitted order.
func SortByEmittedAt(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EmittedAt.Before(events[j].EmittedAt)
	})
}
