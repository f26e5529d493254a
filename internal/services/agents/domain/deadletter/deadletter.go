// Package deadletter models events parked after exhausting processing
// retries.
//
// A dead letter preserves the original event so an operator can replay it
// once the underlying fault is fixed, or ignore it when the event is better
// dropped. Both outcomes are terminal.
package deadletter

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
)

var (
	// ErrIDRequired indicates a dead letter id is required.
	ErrIDRequired = errors.New("dead letter id is required")
	// ErrAgentIDRequired indicates a missing agent id.
	ErrAgentIDRequired = errors.New("agent id is required")
	// ErrEventRequired indicates the parked event is required.
	ErrEventRequired = errors.New("dead letter event is required")
	// ErrNotPending indicates the dead letter was already resolved.
	ErrNotPending = errors.New("dead letter is not pending")
)

// Status represents dead letter resolution state.
type Status string

const (
	// StatusPending indicates the entry awaits operator action.
	StatusPending Status = "pending"
	// StatusReplayed indicates the event was handed back for reprocessing.
	StatusReplayed Status = "replayed"
	// StatusIgnored indicates an operator dropped the event.
	StatusIgnored Status = "ignored"
)

// Entry is one parked event awaiting operator resolution.
type Entry struct {
	ID      string
	AgentID string

	// Event is the original event, preserved verbatim for replay.
	Event event.Event
	// Reason is the final processing error that exhausted retries.
	Reason   string
	Attempts int

	Status Status
	// Note records the operator's rationale on resolution.
	Note       string
	ResolvedBy string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// NewInput contains the fields required to park an event.
type NewInput struct {
	ID       string
	AgentID  string
	Event    event.Event
	Reason   string
	Attempts int
}

// New constructs a normalized pending dead letter.
func New(input NewInput, now func() time.Time) (Entry, error) {
	if now == nil {
		now = time.Now
	}

	input.ID = strings.TrimSpace(input.ID)
	if input.ID == "" {
		return Entry{}, ErrIDRequired
	}
	input.AgentID = strings.TrimSpace(input.AgentID)
	if input.AgentID == "" {
		return Entry{}, ErrAgentIDRequired
	}
	if strings.TrimSpace(input.Event.ID) == "" {
		return Entry{}, ErrEventRequired
	}
	if len(input.Event.PayloadJSON) == 0 {
		input.Event.PayloadJSON = json.RawMessage("{}")
	}

	createdAt := now().UTC()
	return Entry{
		ID:        input.ID,
		AgentID:   input.AgentID,
		Event:     input.Event,
		Reason:    strings.TrimSpace(input.Reason),
		Attempts:  input.Attempts,
		Status:    StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// Replay resolves a pending entry for reprocessing. The caller re-submits
// the preserved event through the normal processing path.
func Replay(e Entry, operatorID string, now func() time.Time) (Entry, error) {
	return resolve(e, StatusReplayed, operatorID, "", now)
}

// Ignore resolves a pending entry as intentionally dropped.
func Ignore(e Entry, operatorID, note string, now func() time.Time) (Entry, error) {
	return resolve(e, StatusIgnored, operatorID, note, now)
}

func resolve(e Entry, outcome Status, operatorID, note string, now func() time.Time) (Entry, error) {
	if now == nil {
		now = time.Now
	}
	if e.Status != StatusPending {
		return Entry{}, ErrNotPending
	}

	resolvedAt := now().UTC()
	e.Status = outcome
	e.ResolvedBy = strings.TrimSpace(operatorID)
	e.Note = strings.TrimSpace(note)
	e.ResolvedAt = &resolvedAt
	e.UpdatedAt = resolvedAt
	return e, nil
}
