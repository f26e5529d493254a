// Package command models the durable outbox of commands an agent has decided
// to issue.
//
// Emitted commands are persisted in the same transaction that records the
// decision, then routed asynchronously. Routing claims a command with a
// compare-and-swap from pending to processing so concurrent routers never
// deliver the same command twice; completed and failed are terminal.
package command

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrIDRequired indicates a command id is required.
	ErrIDRequired = errors.New("command id is required")
	// ErrAgentIDRequired indicates a missing agent id.
	ErrAgentIDRequired = errors.New("agent id is required")
	// ErrTypeRequired indicates a missing command type.
	ErrTypeRequired = errors.New("command type is required")
	// ErrInvalidTransition indicates a status change outside the lattice.
	ErrInvalidTransition = errors.New("invalid command status transition")
)

// Status represents the routing lifecycle of an emitted command.
type Status string

const (
	// StatusPending indicates the command awaits routing.
	StatusPending Status = "pending"
	// StatusProcessing indicates a router has claimed the command.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the command was delivered.
	StatusCompleted Status = "completed"
	// StatusFailed indicates delivery was abandoned.
	StatusFailed Status = "failed"
)

// CanTransition reports whether the status lattice permits from → to.
// Requeueing a stale processing claim back to pending is permitted; the
// terminal states are not.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusPending || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// EmittedCommand is one durable routing work item. It carries the emitting
// decision's context so the routed audit trail can name the pattern and
// confidence without a join back to the decision record.
type EmittedCommand struct {
	ID      string
	AgentID string
	// DecisionID links the command back to the decision that emitted it.
	DecisionID  string
	Type        string
	PayloadJSON json.RawMessage

	// PatternName is empty when the decision came from outside pattern
	// execution.
	PatternName        string
	Confidence         float64
	Reason             string
	TriggeringEventIDs []string

	Status   Status
	Attempts int
	// LastError holds the most recent routing failure, for operators.
	LastError string

	// NextAttemptAt delays re-routing after a stale-lease requeue.
	NextAttemptAt time.Time
	// LeaseExpiresAt bounds a processing claim; sweeps requeue past it.
	LeaseExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewInput contains the fields required to emit a command.
type NewInput struct {
	ID          string
	AgentID     string
	DecisionID  string
	Type        string
	PayloadJSON json.RawMessage

	PatternName        string
	Confidence         float64
	Reason             string
	TriggeringEventIDs []string
}

// New constructs a normalized pending command.
func New(input NewInput, now func() time.Time) (EmittedCommand, error) {
	if now == nil {
		now = time.Now
	}

	input.ID = strings.TrimSpace(input.ID)
	if input.ID == "" {
		return EmittedCommand{}, ErrIDRequired
	}
	input.AgentID = strings.TrimSpace(input.AgentID)
	if input.AgentID == "" {
		return EmittedCommand{}, ErrAgentIDRequired
	}
	input.Type = strings.TrimSpace(input.Type)
	if input.Type == "" {
		return EmittedCommand{}, ErrTypeRequired
	}

	payload := input.PayloadJSON
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	createdAt := now().UTC()
	return EmittedCommand{
		ID:                 input.ID,
		AgentID:            input.AgentID,
		DecisionID:         strings.TrimSpace(input.DecisionID),
		Type:               input.Type,
		PayloadJSON:        payload,
		PatternName:        strings.TrimSpace(input.PatternName),
		Confidence:         input.Confidence,
		Reason:             strings.TrimSpace(input.Reason),
		TriggeringEventIDs: input.TriggeringEventIDs,
		Status:             StatusPending,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}, nil
}

// Claim marks a pending command as processing under a delivery lease.
func Claim(c EmittedCommand, lease time.Duration, now func() time.Time) (EmittedCommand, error) {
	if now == nil {
		now = time.Now
	}
	if !CanTransition(c.Status, StatusProcessing) {
		return EmittedCommand{}, ErrInvalidTransition
	}
	claimedAt := now().UTC()
	c.Status = StatusProcessing
	c.Attempts++
	c.LeaseExpiresAt = claimedAt.Add(lease)
	c.UpdatedAt = claimedAt
	return c, nil
}

// Complete marks a processing command as delivered.
func Complete(c EmittedCommand, now func() time.Time) (EmittedCommand, error) {
	if now == nil {
		now = time.Now
	}
	if !CanTransition(c.Status, StatusCompleted) {
		return EmittedCommand{}, ErrInvalidTransition
	}
	c.Status = StatusCompleted
	c.LastError = ""
	c.UpdatedAt = now().UTC()
	return c, nil
}

// Fail marks a command as abandoned, recording the final error.
func Fail(c EmittedCommand, cause string, now func() time.Time) (EmittedCommand, error) {
	if now == nil {
		now = time.Now
	}
	if !CanTransition(c.Status, StatusFailed) {
		return EmittedCommand{}, ErrInvalidTransition
	}
	c.Status = StatusFailed
	c.LastError = strings.TrimSpace(cause)
	c.UpdatedAt = now().UTC()
	return c, nil
}

// Requeue returns a processing command to pending, delaying the next routing
// attempt. Only the staleness sweep requeues; a delivery failure fails the
// command instead.
func Requeue(c EmittedCommand, delay time.Duration, cause string, now func() time.Time) (EmittedCommand, error) {
	if now == nil {
		now = time.Now
	}
	if !CanTransition(c.Status, StatusPending) {
		return EmittedCommand{}, ErrInvalidTransition
	}
	requeuedAt := now().UTC()
	c.Status = StatusPending
	c.LastError = strings.TrimSpace(cause)
	c.NextAttemptAt = requeuedAt.Add(delay)
	c.LeaseExpiresAt = time.Time{}
	c.UpdatedAt = requeuedAt
	return c, nil
}

// LeaseExpired reports whether a processing claim has outlived its lease.
func (c EmittedCommand) LeaseExpired(now time.Time) bool {
	return c.Status == StatusProcessing && !c.LeaseExpiresAt.IsZero() && now.After(c.LeaseExpiresAt)
}

// Routable reports whether the command is eligible for a routing attempt.
func (c EmittedCommand) Routable(now time.Time) bool {
	return c.Status == StatusPending && !now.Before(c.NextAttemptAt)
}
