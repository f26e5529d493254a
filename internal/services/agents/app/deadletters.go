package app

import (
	"context"
	"errors"
	"fmt"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/deadletter"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

// ParkEvent records an event whose processing failed beyond automatic
// recovery. The entry id is the event id so repeated parking of one event
// collapses into one row.
func (e *Engine) ParkEvent(ctx context.Context, agentID string, evt event.Event, cause error, attempts int) (deadletter.Entry, error) {
	entry, err := deadletter.New(deadletter.NewInput{
		ID:       evt.ID,
		AgentID:  agentID,
		Event:    evt,
		Reason:   cause.Error(),
		Attempts: attempts,
	}, e.now)
	if err != nil {
		return deadletter.Entry{}, err
	}

	created, err := e.store.CreateDeadLetter(ctx, entry)
	if err != nil {
		return deadletter.Entry{}, fmt.Errorf("persist dead letter: %w", err)
	}
	if created {
		e.recorder.RecordBestEffort(ctx, agentID, audit.TypeDeadLetterRecorded, entry.ID, audit.Detail(map[string]any{
			"event":    evt.ID,
			"cause":    entry.Reason,
			"attempts": attempts,
		}))
	}
	return entry, nil
}

// ReplayDeadLetter resolves a parked event for reprocessing and returns the
// preserved event. The caller re-delivers it through the normal processing
// path; the checkpoint's idempotency check makes accidental double replay a
// no-op.
func (e *Engine) ReplayDeadLetter(ctx context.Context, entryID, operatorID string) (event.Event, error) {
	entry, err := e.loadDeadLetter(ctx, entryID)
	if err != nil {
		return event.Event{}, err
	}

	replayed, err := deadletter.Replay(entry, operatorID, e.now)
	if err != nil {
		return event.Event{}, e.resolveError(err)
	}
	updated, err := e.store.UpdateDeadLetter(ctx, replayed)
	if err != nil {
		return event.Event{}, fmt.Errorf("persist dead letter resolution: %w", err)
	}
	if !updated {
		return event.Event{}, verrors.New(verrors.CodeNotPending, "dead letter was already resolved")
	}
	return replayed.Event, nil
}

// IgnoreDeadLetter resolves a parked event as intentionally dropped.
func (e *Engine) IgnoreDeadLetter(ctx context.Context, entryID, operatorID, reason string) error {
	entry, err := e.loadDeadLetter(ctx, entryID)
	if err != nil {
		return err
	}

	ignored, err := deadletter.Ignore(entry, operatorID, reason, e.now)
	if err != nil {
		return e.resolveError(err)
	}
	updated, err := e.store.UpdateDeadLetter(ctx, ignored)
	if err != nil {
		return fmt.Errorf("persist dead letter resolution: %w", err)
	}
	if !updated {
		return verrors.New(verrors.CodeNotPending, "dead letter was already resolved")
	}
	return nil
}

// ListPendingDeadLetters returns unresolved parked events, oldest first.
func (e *Engine) ListPendingDeadLetters(ctx context.Context, agentID string, limit int) ([]deadletter.Entry, error) {
	return e.store.ListPendingDeadLetters(ctx, agentID, limit)
}

func (e *Engine) loadDeadLetter(ctx context.Context, entryID string) (deadletter.Entry, error) {
	entry, err := e.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return deadletter.Entry{}, verrors.New(verrors.CodeNotFound, fmt.Sprintf("dead letter %s not found", entryID))
		}
		return deadletter.Entry{}, fmt.Errorf("load dead letter: %w", err)
	}
	return entry, nil
}

func (e *Engine) resolveError(err error) error {
	if errors.Is(err, deadletter.ErrNotPending) {
		return verrors.Wrap(verrors.CodeNotPending, "dead letter is not pending", err)
	}
	return err
}
