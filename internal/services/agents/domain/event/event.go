// Package event defines the inbound domain event envelope observed by agents.
//
// Events arrive from an external delivery collaborator with ordered,
// at-least-once semantics per stream. Duplicate delivery is expected; the
// checkpoint store, not the deliverer, is responsible for idempotency.
package event

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrIDRequired indicates a missing event id.
	ErrIDRequired = errors.New("event id is required")
	// ErrTypeRequired indicates a missing event type.
	ErrTypeRequired = errors.New("event type is required")
	// ErrStreamIDRequired indicates a missing stream id.
	ErrStreamIDRequired = errors.New("stream id is required")
	// ErrPositionRequired indicates a missing global position.
	ErrPositionRequired = errors.New("global position is required")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = errors.New("payload json must be valid")
)

// Type identifies the event type string.
type Type string

// Event captures the canonical inbound event envelope.
type Event struct {
	ID             string
	Type           Type
	StreamID       string
	GlobalPosition uint64
	Timestamp      time.Time
	CorrelationID  string
	PayloadJSON    json.RawMessage
}

// Normalize canonicalizes and validates an inbound event envelope.
func Normalize(evt Event) (Event, error) {
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" {
		return Event{}, ErrIDRequired
	}
	evt.Type = Type(strings.TrimSpace(string(evt.Type)))
	if evt.Type == "" {
		return Event{}, ErrTypeRequired
	}
	evt.StreamID = strings.TrimSpace(evt.StreamID)
	if evt.StreamID == "" {
		return Event{}, ErrStreamIDRequired
	}
	if evt.GlobalPosition == 0 {
		return Event{}, ErrPositionRequired
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	evt.CorrelationID = strings.TrimSpace(evt.CorrelationID)
	if len(evt.PayloadJSON) == 0 {
		evt.PayloadJSON = json.RawMessage("{}")
	}
	if !json.Valid(evt.PayloadJSON) {
		return Event{}, ErrPayloadInvalid
	}
	return evt, nil
}

// IDs returns the event ids for a slice of events, preserving order.
func IDs(events []Event) []string {
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		ids = append(ids, evt.ID)
	}
	return ids
}
