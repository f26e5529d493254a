package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/checkpoint"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

// PauseAgent suspends an agent's event consumption. Deliveries while paused
// are skipped without error and without advancing the checkpoint.
func (e *Engine) PauseAgent(ctx context.Context, agentID string) (checkpoint.Checkpoint, error) {
	return e.transition(ctx, agentID, checkpoint.Pause, audit.TypeAgentPaused)
}

// ResumeAgent reactivates a paused or stopped agent.
func (e *Engine) ResumeAgent(ctx context.Context, agentID string) (checkpoint.Checkpoint, error) {
	return e.transition(ctx, agentID, checkpoint.Resume, audit.TypeAgentResumed)
}

// StopAgent halts an agent until an explicit resume and drops its buffered
// event history.
func (e *Engine) StopAgent(ctx context.Context, agentID string) (checkpoint.Checkpoint, error) {
	cp, err := e.transition(ctx, agentID, checkpoint.Stop, audit.TypeAgentStopped)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	e.history.Drop(agentID)
	return cp, nil
}

// GetCheckpoint returns an agent's progress marker.
func (e *Engine) GetCheckpoint(ctx context.Context, agentID string) (checkpoint.Checkpoint, error) {
	cp, err := e.store.GetCheckpoint(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return checkpoint.Checkpoint{}, verrors.New(verrors.CodeNotFound, fmt.Sprintf("agent %s has no checkpoint", agentID))
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func (e *Engine) transition(ctx context.Context, agentID string, apply func(checkpoint.Checkpoint, func() time.Time) (checkpoint.Checkpoint, error), eventType audit.EventType) (checkpoint.Checkpoint, error) {
	cp, err := e.GetCheckpoint(ctx, agentID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}

	next, err := apply(cp, e.now)
	if err != nil {
		if errors.Is(err, checkpoint.ErrInvalidStatusTransition) {
			if cp.Status == checkpoint.StatusStopped {
				return checkpoint.Checkpoint{}, verrors.Wrap(verrors.CodeAgentStopped, "agent is stopped", err)
			}
			return checkpoint.Checkpoint{}, verrors.Wrap(verrors.CodeNotPending, fmt.Sprintf("agent is %s", cp.Status), err)
		}
		return checkpoint.Checkpoint{}, err
	}
	if err := e.store.PutCheckpoint(ctx, next); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("persist checkpoint: %w", err)
	}

	e.recorder.RecordBestEffort(ctx, agentID, eventType, "", audit.Detail(map[string]any{
		"status": string(next.Status),
	}))
	return next, nil
}
