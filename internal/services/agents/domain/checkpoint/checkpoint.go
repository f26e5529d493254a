// Package checkpoint models per-agent progress markers.
//
// A checkpoint enables idempotent event consumption: deliveries at or below
// the last processed position are duplicates and must be skipped, and a
// paused or stopped agent skips deliveries without error. The marker advances
// monotonically and only through the owning agent's handler.
package checkpoint

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrAgentIDRequired indicates a missing agent id.
	ErrAgentIDRequired = errors.New("agent id is required")
	// ErrSubscriptionIDRequired indicates a missing subscription id.
	ErrSubscriptionIDRequired = errors.New("subscription id is required")
	// ErrPositionNotMonotonic indicates an advance below the current position.
	ErrPositionNotMonotonic = errors.New("checkpoint position must increase")
	// ErrInvalidStatusTransition indicates a lifecycle transition outside the lattice.
	ErrInvalidStatusTransition = errors.New("invalid checkpoint status transition")
)

// Status represents agent consumption lifecycle state.
type Status string

const (
	// StatusActive allows event processing.
	StatusActive Status = "active"
	// StatusPaused skips deliveries without advancing the checkpoint.
	StatusPaused Status = "paused"
	// StatusStopped is terminal for event consumption until an explicit resume.
	StatusStopped Status = "stopped"
)

// Checkpoint is the durable progress marker for one agent subscription.
type Checkpoint struct {
	AgentID               string
	SubscriptionID        string
	LastProcessedPosition uint64
	LastEventID           string
	Status                Status
	EventsProcessed       uint64
	UpdatedAt             time.Time
}

// New creates an active checkpoint for an agent's first delivery.
func New(agentID, subscriptionID string, now func() time.Time) (Checkpoint, error) {
	if now == nil {
		now = time.Now
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Checkpoint{}, ErrAgentIDRequired
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return Checkpoint{}, ErrSubscriptionIDRequired
	}
	return Checkpoint{
		AgentID:        agentID,
		SubscriptionID: subscriptionID,
		Status:         StatusActive,
		UpdatedAt:      now().UTC(),
	}, nil
}

// IsDuplicate reports whether a delivery at position was already processed.
func (c Checkpoint) IsDuplicate(position uint64) bool {
	return position <= c.LastProcessedPosition
}

// Advance moves the checkpoint past a processed event. The advance happens
// even when no pattern matched; processing an event and matching a pattern
// are independent outcomes.
func Advance(c Checkpoint, eventID string, position uint64, now func() time.Time) (Checkpoint, error) {
	if now == nil {
		now = time.Now
	}
	if position <= c.LastProcessedPosition {
		return Checkpoint{}, ErrPositionNotMonotonic
	}
	c.LastProcessedPosition = position
	c.LastEventID = strings.TrimSpace(eventID)
	c.EventsProcessed++
	c.UpdatedAt = now().UTC()
	return c, nil
}

// Pause suspends event consumption for an active agent.
func Pause(c Checkpoint, now func() time.Time) (Checkpoint, error) {
	if c.Status != StatusActive {
		return Checkpoint{}, ErrInvalidStatusTransition
	}
	return withStatus(c, StatusPaused, now), nil
}

// Resume reactivates a paused or stopped agent.
func Resume(c Checkpoint, now func() time.Time) (Checkpoint, error) {
	if c.Status != StatusPaused && c.Status != StatusStopped {
		return Checkpoint{}, ErrInvalidStatusTransition
	}
	return withStatus(c, StatusActive, now), nil
}

// Stop halts event consumption until an explicit resume.
func Stop(c Checkpoint, now func() time.Time) (Checkpoint, error) {
	if c.Status == StatusStopped {
		return Checkpoint{}, ErrInvalidStatusTransition
	}
	return withStatus(c, StatusStopped, now), nil
}

func withStatus(c Checkpoint, status Status, now func() time.Time) Checkpoint {
	if now == nil {
		now = time.Now
	}
	c.Status = status
	c.UpdatedAt = now().UTC()
	return c
}
