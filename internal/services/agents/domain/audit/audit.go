// Package audit records the append-only trail of everything an agent does.
//
// Audit writes fall into two tiers. Decision recording is load-bearing and
// surfaces its errors; bookkeeping around routing and lifecycle changes is
// best-effort so an audit outage can never wedge delivery.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/vigil/internal/platform/id"
)

var (
	// ErrIDRequired indicates an audit event id is required.
	ErrIDRequired = errors.New("audit event id is required")
	// ErrAgentIDRequired indicates a missing agent id.
	ErrAgentIDRequired = errors.New("agent id is required")
	// ErrUnknownType indicates a type outside the enumerated set.
	ErrUnknownType = errors.New("unknown audit event type")
)

// EventType enumerates every recordable audit event.
type EventType string

const (
	TypePatternDetected      EventType = "agent.pattern_detected"
	TypeDecisionRecorded     EventType = "agent.decision_recorded"
	TypeAnalysisFallback     EventType = "agent.analysis_fallback"
	TypeApprovalRequested    EventType = "approval.requested"
	TypeApprovalGranted      EventType = "approval.granted"
	TypeApprovalRejected     EventType = "approval.rejected"
	TypeApprovalExpired      EventType = "approval.expired"
	TypeCommandEmitted       EventType = "agent.command_emitted"
	TypeCommandRouted        EventType = "agent.command_routed"
	TypeCommandRoutingFailed EventType = "agent.command_routing_failed"
	TypeCommandRequeued      EventType = "agent.command_requeued"
	TypeAgentStarted         EventType = "agent.started"
	TypeAgentPaused          EventType = "agent.paused"
	TypeAgentResumed         EventType = "agent.resumed"
	TypeAgentStopped         EventType = "agent.stopped"
	TypeDeadLetterRecorded   EventType = "agent.dead_letter_recorded"
)

// KnownTypes returns the full enumeration in a stable order.
func KnownTypes() []EventType {
	return []EventType{
		TypePatternDetected,
		TypeDecisionRecorded,
		TypeAnalysisFallback,
		TypeApprovalRequested,
		TypeApprovalGranted,
		TypeApprovalRejected,
		TypeApprovalExpired,
		TypeCommandEmitted,
		TypeCommandRouted,
		TypeCommandRoutingFailed,
		TypeCommandRequeued,
		TypeAgentStarted,
		TypeAgentPaused,
		TypeAgentResumed,
		TypeAgentStopped,
		TypeDeadLetterRecorded,
	}
}

// Valid reports whether the type is part of the enumeration.
func (t EventType) Valid() bool {
	for _, known := range KnownTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one immutable audit trail entry.
type Event struct {
	ID      string
	AgentID string
	Type    EventType
	// SubjectID names the decision, approval, or command the entry concerns.
	SubjectID  string
	DetailJSON json.RawMessage
	RecordedAt time.Time
}

// Store persists audit events.
type Store interface {
	InsertAuditEvent(ctx context.Context, event Event) error
}

// Recorder writes audit events through a store.
type Recorder struct {
	Store Store
	// Logf receives best-effort write failures. Defaults to log.Printf.
	Logf  func(format string, args ...any)
	Now   func() time.Time
	NewID func() (string, error)
}

func (r *Recorder) logf(format string, args ...any) {
	if r != nil && r.Logf != nil {
		r.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Record validates and persists one audit event, returning any store error.
func (r *Recorder) Record(ctx context.Context, agentID string, eventType EventType, subjectID string, detail json.RawMessage) error {
	if r == nil || r.Store == nil {
		return errors.New("audit recorder is not configured")
	}
	evt, err := r.build(agentID, eventType, subjectID, detail)
	if err != nil {
		return err
	}
	return r.Store.InsertAuditEvent(ctx, evt)
}

// RecordBestEffort persists one audit event and swallows failures, logging
// them instead. Routing bookkeeping calls this so the audit trail can never
// block delivery.
func (r *Recorder) RecordBestEffort(ctx context.Context, agentID string, eventType EventType, subjectID string, detail json.RawMessage) {
	if err := r.Record(ctx, agentID, eventType, subjectID, detail); err != nil {
		r.logf("audit: record %s for agent %s: %v", eventType, agentID, err)
	}
}

func (r *Recorder) build(agentID string, eventType EventType, subjectID string, detail json.RawMessage) (Event, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Event{}, ErrAgentIDRequired
	}
	if !eventType.Valid() {
		return Event{}, ErrUnknownType
	}

	newID := r.NewID
	if newID == nil {
		newID = id.NewID
	}
	eventID, err := newID()
	if err != nil {
		return Event{}, err
	}

	now := r.Now
	if now == nil {
		now = time.Now
	}
	if len(detail) == 0 {
		detail = json.RawMessage("{}")
	}

	return Event{
		ID:         eventID,
		AgentID:    agentID,
		Type:       eventType,
		SubjectID:  strings.TrimSpace(subjectID),
		DetailJSON: detail,
		RecordedAt: now().UTC(),
	}, nil
}

// Detail marshals a map into an audit detail payload, falling back to an
// empty object if marshaling fails.
func Detail(fields map[string]any) json.RawMessage {
	if len(fields) == 0 {
		return json.RawMessage("{}")
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage("{}")
	}
	return encoded
}
