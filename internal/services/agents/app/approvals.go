package app

import (
	"context"
	"errors"
	"fmt"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/domain/approval"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
	"github.com/louisbranch/vigil/internal/services/agents/domain/decision"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

// CreatePendingApproval opens a review gate for a decision. The approval id
// is the decision id, so duplicate calls for one decision collapse into one
// stored record; the second caller gets the existing approval and created =
// false, with no audit write.
func (e *Engine) CreatePendingApproval(ctx context.Context, d decision.Decision) (approval.Approval, bool, error) {
	a, err := approval.Create(approval.CreateInput{
		ID:                 d.ID,
		AgentID:            d.AgentID,
		DecisionID:         d.ID,
		ActionType:         d.Command,
		ActionPayloadJSON:  d.PayloadJSON,
		PatternName:        d.PatternName,
		Confidence:         d.Confidence,
		Reason:             d.Reason,
		TriggeringEventIDs: d.TriggeringEventIDs,
		ExpiresAt:          e.now().Add(e.cfg.ApprovalTTL),
	}, e.now)
	if err != nil {
		return approval.Approval{}, false, err
	}

	created, err := e.store.CreateApproval(ctx, a)
	if err != nil {
		return approval.Approval{}, false, fmt.Errorf("persist approval: %w", err)
	}
	if !created {
		existing, err := e.store.GetApproval(ctx, a.ID)
		if err != nil {
			return approval.Approval{}, false, fmt.Errorf("load existing approval: %w", err)
		}
		return existing, false, nil
	}

	e.recorder.RecordBestEffort(ctx, d.AgentID, audit.TypeApprovalRequested, a.ID, audit.Detail(map[string]any{
		"action":     a.ActionType,
		"confidence": a.Confidence,
		"expires_at": a.ExpiresAt,
	}))
	return a, true, nil
}

// Approve accepts a pending approval and, when the gated decision carries a
// command, emits it to the routing outbox.
func (e *Engine) Approve(ctx context.Context, approvalID, reviewerID, note string) (approval.Approval, error) {
	a, err := e.loadApproval(ctx, approvalID)
	if err != nil {
		return approval.Approval{}, err
	}

	approved, err := approval.Approve(a, reviewerID, note, e.now)
	if err != nil {
		// A retry after a transient outbox failure lands here with the
		// approval already flipped; make sure the granted command exists
		// before reporting the status conflict.
		if errors.Is(err, approval.ErrNotPending) && a.Status == approval.StatusApproved {
			if emitErr := e.ensureApprovedCommand(ctx, a); emitErr != nil {
				return approval.Approval{}, emitErr
			}
		}
		return approval.Approval{}, e.reviewError(err)
	}
	updated, err := e.store.UpdateApproval(ctx, approved, approval.StatusPending)
	if err != nil {
		return approval.Approval{}, fmt.Errorf("persist approval review: %w", err)
	}
	if !updated {
		return approval.Approval{}, verrors.New(verrors.CodeNotPending, "approval was already reviewed or expired")
	}

	if err := e.ensureApprovedCommand(ctx, approved); err != nil {
		return approval.Approval{}, err
	}

	e.recorder.RecordBestEffort(ctx, approved.AgentID, audit.TypeApprovalGranted, approved.ID, audit.Detail(map[string]any{
		"reviewer": approved.ReviewerID,
		"action":   approved.ActionType,
	}))
	return approved, nil
}

// Reject declines a pending approval. No command is emitted.
func (e *Engine) Reject(ctx context.Context, approvalID, reviewerID, reason string) (approval.Approval, error) {
	a, err := e.loadApproval(ctx, approvalID)
	if err != nil {
		return approval.Approval{}, err
	}

	rejected, err := approval.Reject(a, reviewerID, reason, e.now)
	if err != nil {
		return approval.Approval{}, e.reviewError(err)
	}
	updated, err := e.store.UpdateApproval(ctx, rejected, approval.StatusPending)
	if err != nil {
		return approval.Approval{}, fmt.Errorf("persist approval review: %w", err)
	}
	if !updated {
		return approval.Approval{}, verrors.New(verrors.CodeNotPending, "approval was already reviewed or expired")
	}

	e.recorder.RecordBestEffort(ctx, rejected.AgentID, audit.TypeApprovalRejected, rejected.ID, audit.Detail(map[string]any{
		"reviewer": rejected.ReviewerID,
		"reason":   rejected.ReviewNote,
	}))
	return rejected, nil
}

// ExpirePendingApprovals sweeps pending approvals past their deadline. It
// returns how many were expired; losing a status race to a concurrent
// reviewer is not an error.
func (e *Engine) ExpirePendingApprovals(ctx context.Context) (int, error) {
	pending, err := e.store.ListExpiredPending(ctx, e.now(), e.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}

	expired := 0
	for _, a := range pending {
		resolved, err := approval.Expire(a, e.now)
		if err != nil {
			e.logf("app: expire approval %s: %v", a.ID, err)
			continue
		}
		updated, err := e.store.UpdateApproval(ctx, resolved, approval.StatusPending)
		if err != nil {
			return expired, fmt.Errorf("persist expired approval %s: %w", a.ID, err)
		}
		if !updated {
			continue
		}
		expired++
		e.recorder.RecordBestEffort(ctx, resolved.AgentID, audit.TypeApprovalExpired, resolved.ID, audit.Detail(map[string]any{
			"expired_at": resolved.UpdatedAt,
		}))
	}
	return expired, nil
}

// ListPendingApprovals returns open review gates, oldest first.
func (e *Engine) ListPendingApprovals(ctx context.Context, agentID string, limit int) ([]approval.Approval, error) {
	return e.store.ListPendingApprovals(ctx, agentID, limit)
}

func (e *Engine) loadApproval(ctx context.Context, approvalID string) (approval.Approval, error) {
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return approval.Approval{}, verrors.New(verrors.CodeNotFound, fmt.Sprintf("approval %s not found", approvalID))
		}
		return approval.Approval{}, fmt.Errorf("load approval: %w", err)
	}
	return a, nil
}

func (e *Engine) reviewError(err error) error {
	if errors.Is(err, approval.ErrNotPending) {
		return verrors.Wrap(verrors.CodeNotPending, "approval is not pending", err)
	}
	return err
}

// ensureApprovedCommand emits the gated command for an approved decision.
// It is idempotent by decision id, so it is safe to re-run on approve
// retries whose earlier outbox write failed.
func (e *Engine) ensureApprovedCommand(ctx context.Context, a approval.Approval) error {
	if a.ActionType == "" {
		return nil
	}
	return e.emitApprovedCommand(ctx, a)
}

func (e *Engine) emitApprovedCommand(ctx context.Context, a approval.Approval) error {
	cmd, err := command.New(command.NewInput{
		ID:                 a.DecisionID,
		AgentID:            a.AgentID,
		DecisionID:         a.DecisionID,
		Type:               a.ActionType,
		PayloadJSON:        a.ActionPayloadJSON,
		PatternName:        a.PatternName,
		Confidence:         a.Confidence,
		Reason:             a.Reason,
		TriggeringEventIDs: a.TriggeringEventIDs,
	}, e.now)
	if err != nil {
		return err
	}
	created, err := e.store.CreateCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("persist approved command: %w", err)
	}
	if created {
		e.recorder.RecordBestEffort(ctx, a.AgentID, audit.TypeCommandEmitted, cmd.ID, audit.Detail(map[string]any{
			"type":     cmd.Type,
			"approval": a.ID,
		}))
	}
	return nil
}
