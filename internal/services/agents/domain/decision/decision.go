// Package decision converts pattern matches into structured agent decisions.
//
// A decision is produced once per processed event and never mutated; it is
// persisted as part of an audit event and anchors every emitted command and
// pending approval via its id.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/vigil/internal/platform/id"
	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
)

var (
	// ErrAgentIDRequired indicates a missing agent id.
	ErrAgentIDRequired = errors.New("agent id is required")
	// ErrPatternNameRequired indicates a missing pattern name.
	ErrPatternNameRequired = errors.New("pattern name is required")
)

// Method records how a decision was reached.
type Method string

const (
	// MethodRuleBased indicates the trigger predicate alone produced the decision.
	MethodRuleBased Method = "rule-based"
	// MethodLLM indicates external analysis produced the decision.
	MethodLLM Method = "llm"
	// MethodRuleBasedFallback indicates analysis failed and the trigger served
	// as a degraded-but-safe substitute.
	MethodRuleBasedFallback Method = "rule-based-fallback"
)

// Decision is the structured output of pattern execution.
type Decision struct {
	ID      string
	AgentID string
	// Command is the proposed command type; empty means the decision carries
	// findings only.
	Command            string
	PayloadJSON        json.RawMessage
	Confidence         float64
	Reason             string
	RequiresApproval   bool
	TriggeringEventIDs []string
	PatternName        string
	Method             Method
	CreatedAt          time.Time
}

// HasCommand reports whether the decision proposes a command.
func (d Decision) HasCommand() bool {
	return d.Command != ""
}

// Policy decides whether a command needs human review before execution.
type Policy struct {
	// ConfidenceThreshold gates commands not covered by either list.
	ConfidenceThreshold float64
	// AutoApprove lists command types that never need review.
	AutoApprove []string
	// RequireApproval lists command types that always need review.
	// List membership wins over the confidence threshold.
	RequireApproval []string
}

// RequiresApproval applies the approval policy to a proposed command.
func (p Policy) RequiresApproval(command string, confidence float64) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return true
	}
	for _, forced := range p.RequireApproval {
		if command == forced {
			return true
		}
	}
	for _, auto := range p.AutoApprove {
		if command == auto {
			return false
		}
	}
	return confidence < p.ConfidenceThreshold
}

// Builder assembles decisions from analysis results or bare trigger matches.
type Builder struct {
	Policy Policy
	// Trigger-only confidence is min(MaxTriggerConfidence,
	// BaseConfidence + PerEventConfidence * eventCount).
	BaseConfidence       float64
	PerEventConfidence   float64
	MaxTriggerConfidence float64

	Now   func() time.Time
	NewID func() (string, error)
}

func (b Builder) clock() func() time.Time {
	if b.Now != nil {
		return b.Now
	}
	return time.Now
}

func (b Builder) idGenerator() func() (string, error) {
	if b.NewID != nil {
		return b.NewID
	}
	return id.NewID
}

// FromAnalysis builds a decision from a structured analysis result.
func (b Builder) FromAnalysis(agentID, patternName string, result analysis.Result, events []event.Event, method Method) (Decision, error) {
	base, err := b.newDecision(agentID, patternName, events, method)
	if err != nil {
		return Decision{}, err
	}

	base.Confidence = result.Confidence
	base.Reason = strings.TrimSpace(result.Reason)
	if result.Command != nil {
		base.Command = strings.TrimSpace(result.Command.Type)
		base.PayloadJSON = result.Command.PayloadJSON
	} else if len(result.DataJSON) > 0 {
		base.PayloadJSON = result.DataJSON
	}
	if len(base.PayloadJSON) == 0 {
		base.PayloadJSON = json.RawMessage("{}")
	}
	base.RequiresApproval = b.Policy.RequiresApproval(base.Command, base.Confidence)
	return base, nil
}

// FromTrigger builds a rule-based decision from the trigger predicate alone.
// There is no command to auto-execute safely, so the decision always requires
// approval.
func (b Builder) FromTrigger(agentID, patternName, reason string, events []event.Event, method Method) (Decision, error) {
	base, err := b.newDecision(agentID, patternName, events, method)
	if err != nil {
		return Decision{}, err
	}

	baseConfidence := b.BaseConfidence
	if baseConfidence == 0 {
		baseConfidence = 0.5
	}
	perEvent := b.PerEventConfidence
	if perEvent == 0 {
		perEvent = 0.1
	}
	cap := b.MaxTriggerConfidence
	if cap == 0 {
		cap = 0.85
	}

	confidence := baseConfidence + perEvent*float64(len(events))
	if confidence > cap {
		confidence = cap
	}

	base.Confidence = confidence
	base.Reason = strings.TrimSpace(reason)
	if base.Reason == "" {
		base.Reason = fmt.Sprintf("pattern %s triggered on %d events", patternName, len(events))
	}
	base.PayloadJSON = json.RawMessage("{}")
	base.RequiresApproval = true
	return base, nil
}

func (b Builder) newDecision(agentID, patternName string, events []event.Event, method Method) (Decision, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Decision{}, ErrAgentIDRequired
	}
	patternName = strings.TrimSpace(patternName)
	if patternName == "" {
		return Decision{}, ErrPatternNameRequired
	}

	decisionID, err := b.idGenerator()()
	if err != nil {
		return Decision{}, fmt.Errorf("generate decision id: %w", err)
	}

	return Decision{
		ID:                 decisionID,
		AgentID:            agentID,
		PatternName:        patternName,
		TriggeringEventIDs: event.IDs(events),
		Method:             method,
		CreatedAt:          b.clock()().UTC(),
	}, nil
}
