package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/checkpoint"
	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
	"github.com/louisbranch/vigil/internal/services/agents/domain/decision"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

var tracer = otel.Tracer("github.com/louisbranch/vigil/internal/services/agents/app")

// ProcessResult summarizes the persistence phase for one delivered event.
type ProcessResult struct {
	// Skipped reports a no-op success: duplicate delivery or inactive agent.
	Skipped    bool
	SkipReason string

	// Decision is set when a pattern matched.
	Decision    *decision.Decision
	PatternName string
	// ApprovalID is set when the decision was gated behind review.
	ApprovalID string
	// CommandID is set when a command was emitted directly.
	CommandID string
}

// ProcessEvent runs the persistence phase for one delivered event: the
// idempotency check, pattern execution, decision and approval or command
// writes, and the checkpoint advance. Routing happens later, driven by the
// outbox; its failures can never unwind this phase.
func (e *Engine) ProcessEvent(ctx context.Context, agentID string, evt event.Event) (ProcessResult, error) {
	evt, err := event.Normalize(evt)
	if err != nil {
		return ProcessResult{}, err
	}

	ctx, span := tracer.Start(ctx, "engine.process_event", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", string(evt.Type)),
		attribute.Int64("event.position", int64(evt.GlobalPosition)),
	))
	defer span.End()

	cp, err := e.loadOrCreateCheckpoint(ctx, agentID)
	if err != nil {
		return ProcessResult{}, err
	}

	if cp.IsDuplicate(evt.GlobalPosition) {
		span.SetAttributes(attribute.String("engine.skip", "duplicate"))
		return ProcessResult{Skipped: true, SkipReason: "duplicate delivery"}, nil
	}
	if cp.Status != checkpoint.StatusActive {
		span.SetAttributes(attribute.String("engine.skip", string(cp.Status)))
		return ProcessResult{Skipped: true, SkipReason: fmt.Sprintf("agent is %s", cp.Status)}, nil
	}

	e.history.Append(agentID, evt)

	match, err := e.executor.Execute(ctx, agentID, e.patterns, e.history.Recent(agentID))
	if err != nil {
		return ProcessResult{}, fmt.Errorf("execute patterns: %w", err)
	}

	result := ProcessResult{}
	if match != nil {
		d := match.Decision
		result.Decision = &d
		result.PatternName = match.Pattern.Name

		e.recorder.RecordBestEffort(ctx, agentID, audit.TypePatternDetected, d.ID, audit.Detail(map[string]any{
			"pattern": match.Pattern.Name,
			"events":  len(match.WindowEvents),
		}))
		if d.Method == decision.MethodRuleBasedFallback {
			e.recorder.RecordBestEffort(ctx, agentID, audit.TypeAnalysisFallback, d.ID, audit.Detail(map[string]any{
				"pattern": match.Pattern.Name,
				"reason":  d.Reason,
			}))
		}

		// The decision record anchors the approval and the command; losing it
		// is a genuine storage failure, not bookkeeping.
		err := e.recorder.Record(ctx, agentID, audit.TypeDecisionRecorded, d.ID, audit.Detail(map[string]any{
			"pattern":           d.PatternName,
			"command":           d.Command,
			"confidence":        d.Confidence,
			"method":            string(d.Method),
			"requires_approval": d.RequiresApproval,
		}))
		if err != nil {
			return ProcessResult{}, fmt.Errorf("record decision: %w", err)
		}

		switch {
		case d.RequiresApproval:
			a, _, err := e.CreatePendingApproval(ctx, d)
			if err != nil {
				return ProcessResult{}, err
			}
			result.ApprovalID = a.ID
		case d.HasCommand():
			cmdID, err := e.emitCommand(ctx, d)
			if err != nil {
				return ProcessResult{}, err
			}
			result.CommandID = cmdID
		}
	}

	advanced, err := checkpoint.Advance(cp, evt.ID, evt.GlobalPosition, e.now)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("advance checkpoint: %w", err)
	}
	if err := e.store.PutCheckpoint(ctx, advanced); err != nil {
		return ProcessResult{}, fmt.Errorf("persist checkpoint: %w", err)
	}

	return result, nil
}

func (e *Engine) loadOrCreateCheckpoint(ctx context.Context, agentID string) (checkpoint.Checkpoint, error) {
	cp, err := e.store.GetCheckpoint(ctx, agentID)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return checkpoint.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	cp, err = checkpoint.New(agentID, e.cfg.SubscriptionID, e.now)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if err := e.store.PutCheckpoint(ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("create checkpoint: %w", err)
	}
	e.recorder.RecordBestEffort(ctx, agentID, audit.TypeAgentStarted, "", audit.Detail(map[string]any{
		"subscription": cp.SubscriptionID,
	}))
	return cp, nil
}

// emitCommand persists a command to the outbox, keyed by decision id so
// duplicate persistence-phase retries collapse into one row.
func (e *Engine) emitCommand(ctx context.Context, d decision.Decision) (string, error) {
	cmd, err := command.New(command.NewInput{
		ID:                 d.ID,
		AgentID:            d.AgentID,
		DecisionID:         d.ID,
		Type:               d.Command,
		PayloadJSON:        d.PayloadJSON,
		PatternName:        d.PatternName,
		Confidence:         d.Confidence,
		Reason:             d.Reason,
		TriggeringEventIDs: d.TriggeringEventIDs,
	}, e.now)
	if err != nil {
		return "", err
	}

	created, err := e.store.CreateCommand(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("persist command: %w", err)
	}
	if created {
		e.recorder.RecordBestEffort(ctx, d.AgentID, audit.TypeCommandEmitted, cmd.ID, audit.Detail(map[string]any{
			"type":    cmd.Type,
			"pattern": d.PatternName,
		}))
	}
	return cmd.ID, nil
}
