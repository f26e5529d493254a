// Package approval models the human-review gate for agent decisions.
//
// Low-confidence or flagged commands wait here for a reviewer. The state
// machine is pending → {approved, rejected, expired}; all three outcomes are
// terminal. Creation is idempotent by approval id so persistence-phase
// retries cannot duplicate a gate.
package approval

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrIDRequired indicates an approval id is required.
	ErrIDRequired = errors.New("approval id is required")
	// ErrAgentIDRequired indicates a missing agent id.
	ErrAgentIDRequired = errors.New("agent id is required")
	// ErrDecisionIDRequired indicates a missing decision id.
	ErrDecisionIDRequired = errors.New("decision id is required")
	// ErrReviewerIDRequired indicates reviewer identity is required.
	ErrReviewerIDRequired = errors.New("reviewer id is required")
	// ErrReasonRequired indicates a rejection reason is required.
	ErrReasonRequired = errors.New("rejection reason is required")
	// ErrExpiryRequired indicates a missing expiry deadline.
	ErrExpiryRequired = errors.New("expiry deadline is required")
	// ErrNotPending indicates reviewed approvals are immutable.
	ErrNotPending = errors.New("approval is not pending")
	// ErrNotExpired indicates the expiry deadline has not passed.
	ErrNotExpired = errors.New("approval has not reached its expiry deadline")
)

// Status represents approval lifecycle state.
type Status string

const (
	// StatusPending indicates the decision awaits review.
	StatusPending Status = "pending"
	// StatusApproved indicates a reviewer accepted the command.
	StatusApproved Status = "approved"
	// StatusRejected indicates a reviewer declined the command.
	StatusRejected Status = "rejected"
	// StatusExpired indicates the review window lapsed.
	StatusExpired Status = "expired"
)

// Approval gates one agent decision behind human review.
type Approval struct {
	// ID is the idempotency key; duplicate creates are no-ops.
	ID         string
	AgentID    string
	DecisionID string

	// ActionType and ActionPayloadJSON describe the command that approval
	// releases. ActionType may be empty for finding-only decisions; approving
	// those records consent without emitting a command.
	ActionType        string
	ActionPayloadJSON json.RawMessage

	// PatternName carries the emitting pattern through to the released
	// command's audit trail.
	PatternName        string
	Confidence         float64
	Reason             string
	TriggeringEventIDs []string

	Status     Status
	ReviewerID string
	ReviewNote string

	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReviewedAt *time.Time
}

// CreateInput contains fields required to open a review gate.
type CreateInput struct {
	ID                 string
	AgentID            string
	DecisionID         string
	ActionType         string
	ActionPayloadJSON  json.RawMessage
	PatternName        string
	Confidence         float64
	Reason             string
	TriggeringEventIDs []string
	ExpiresAt          time.Time
}

// Create constructs a normalized pending approval.
func Create(input CreateInput, now func() time.Time) (Approval, error) {
	if now == nil {
		now = time.Now
	}

	input.ID = strings.TrimSpace(input.ID)
	if input.ID == "" {
		return Approval{}, ErrIDRequired
	}
	input.AgentID = strings.TrimSpace(input.AgentID)
	if input.AgentID == "" {
		return Approval{}, ErrAgentIDRequired
	}
	input.DecisionID = strings.TrimSpace(input.DecisionID)
	if input.DecisionID == "" {
		return Approval{}, ErrDecisionIDRequired
	}
	if input.ExpiresAt.IsZero() {
		return Approval{}, ErrExpiryRequired
	}

	payload := input.ActionPayloadJSON
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	createdAt := now().UTC()
	return Approval{
		ID:                 input.ID,
		AgentID:            input.AgentID,
		DecisionID:         input.DecisionID,
		ActionType:         strings.TrimSpace(input.ActionType),
		ActionPayloadJSON:  payload,
		PatternName:        strings.TrimSpace(input.PatternName),
		Confidence:         input.Confidence,
		Reason:             strings.TrimSpace(input.Reason),
		TriggeringEventIDs: append([]string(nil), input.TriggeringEventIDs...),
		Status:             StatusPending,
		ExpiresAt:          input.ExpiresAt.UTC(),
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}, nil
}

// Approve applies one reviewer acceptance to a pending approval.
func Approve(a Approval, reviewerID, note string, now func() time.Time) (Approval, error) {
	return review(a, StatusApproved, reviewerID, note, false, now)
}

// Reject applies one reviewer refusal to a pending approval. A reason is
// required so the audit trail explains the refusal.
func Reject(a Approval, reviewerID, reason string, now func() time.Time) (Approval, error) {
	return review(a, StatusRejected, reviewerID, reason, true, now)
}

// Expire transitions a pending approval whose deadline has passed.
func Expire(a Approval, now func() time.Time) (Approval, error) {
	if now == nil {
		now = time.Now
	}
	if a.Status != StatusPending {
		return Approval{}, ErrNotPending
	}
	expiredAt := now().UTC()
	if expiredAt.Before(a.ExpiresAt) {
		return Approval{}, ErrNotExpired
	}
	a.Status = StatusExpired
	a.UpdatedAt = expiredAt
	return a, nil
}

func review(a Approval, outcome Status, reviewerID, note string, noteRequired bool, now func() time.Time) (Approval, error) {
	if now == nil {
		now = time.Now
	}
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return Approval{}, ErrReviewerIDRequired
	}
	note = strings.TrimSpace(note)
	if noteRequired && note == "" {
		return Approval{}, ErrReasonRequired
	}
	if a.Status != StatusPending {
		return Approval{}, ErrNotPending
	}

	reviewedAt := now().UTC()
	a.Status = outcome
	a.ReviewerID = reviewerID
	a.ReviewNote = note
	a.ReviewedAt = &reviewedAt
	a.UpdatedAt = reviewedAt
	return a, nil
}
