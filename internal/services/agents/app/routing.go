package app

import (
	"context"
	"fmt"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
	"github.com/louisbranch/vigil/internal/services/agents/domain/governor"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

// RouteCommand attempts delivery of one emitted command. Delivery failures
// are recorded on the command and never returned; only storage failures
// surface.
func (e *Engine) RouteCommand(ctx context.Context, commandID string) error {
	if e.router == nil {
		return verrors.New(verrors.CodeInvalidConfig, "routing is not configured")
	}
	return e.router.Route(ctx, commandID)
}

// RoutePending routes every command due for an attempt. It returns how many
// commands were picked up; per-command outcomes land on the command rows.
func (e *Engine) RoutePending(ctx context.Context) (int, error) {
	if e.router == nil {
		return 0, verrors.New(verrors.CodeInvalidConfig, "routing is not configured")
	}

	routable, err := e.store.ListRoutable(ctx, e.now(), e.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list routable commands: %w", err)
	}
	for _, cmd := range routable {
		if err := e.router.Route(ctx, cmd.ID); err != nil {
			return 0, err
		}
	}
	return len(routable), nil
}

// SweepStaleCommands recovers commands stuck mid-flight: processing claims
// past their lease return to pending, and pending commands that exhausted
// their attempts are failed for good. Safe to run concurrently with live
// routing; the status guards arbitrate.
func (e *Engine) SweepStaleCommands(ctx context.Context) (requeued, failed int, err error) {
	now := e.now()

	stale, err := e.store.ListStale(ctx, now, e.cfg.SweepBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list stale commands: %w", err)
	}
	for _, cmd := range stale {
		delay := governor.Backoff(cmd.Attempts, time.Second, 5*time.Minute, nil)
		reset, err := command.Requeue(cmd, delay, "routing lease expired", e.now)
		if err != nil {
			e.logf("app: requeue stale command %s: %v", cmd.ID, err)
			continue
		}
		if err := e.store.UpdateCommand(ctx, reset); err != nil {
			return requeued, failed, fmt.Errorf("persist requeued command %s: %w", cmd.ID, err)
		}
		requeued++
		e.recorder.RecordBestEffort(ctx, cmd.AgentID, audit.TypeCommandRequeued, cmd.ID, audit.Detail(map[string]any{
			"cause":    "routing lease expired",
			"attempts": cmd.Attempts,
		}))
	}

	routable, err := e.store.ListRoutable(ctx, now, e.cfg.SweepBatchSize)
	if err != nil {
		return requeued, failed, fmt.Errorf("list pending commands: %w", err)
	}
	for _, cmd := range routable {
		if cmd.Attempts < e.cfg.MaxRouteAttempts {
			continue
		}
		abandoned, err := command.Fail(cmd, fmt.Sprintf("exhausted %d routing attempts", cmd.Attempts), e.now)
		if err != nil {
			e.logf("app: fail exhausted command %s: %v", cmd.ID, err)
			continue
		}
		if err := e.store.UpdateCommand(ctx, abandoned); err != nil {
			return requeued, failed, fmt.Errorf("persist failed command %s: %w", cmd.ID, err)
		}
		failed++
		e.recorder.RecordBestEffort(ctx, cmd.AgentID, audit.TypeCommandRoutingFailed, cmd.ID, audit.Detail(map[string]any{
			"cause":    abandoned.LastError,
			"attempts": abandoned.Attempts,
		}))
	}
	return requeued, failed, nil
}

// QueueSummary counts outbox commands by status.
func (e *Engine) QueueSummary(ctx context.Context) (storage.QueueSummary, error) {
	return e.store.QueueSummary(ctx)
}

// ListAuditEvents returns an agent's audit trail, newest first. A non-empty
// subjectID narrows the trail to one decision, approval, or command.
func (e *Engine) ListAuditEvents(ctx context.Context, agentID, subjectID string, limit int) ([]audit.Event, error) {
	return e.store.ListAuditEvents(ctx, agentID, subjectID, limit)
}
