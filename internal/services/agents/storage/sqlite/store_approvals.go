package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/vigil/internal/services/agents/domain/approval"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

const approvalColumns = `id, agent_id, decision_id, action_type, action_payload, pattern_name, confidence, reason, triggering_event_ids, status, reviewer_id, review_note, expires_at, created_at, updated_at, reviewed_at`

// CreateApproval inserts an approval if absent, reporting whether a row was
// written.
func (s *Store) CreateApproval(ctx context.Context, a approval.Approval) (bool, error) {
	eventIDs, err := encodeStrings(a.TriggeringEventIDs)
	if err != nil {
		return false, err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_approvals (`+approvalColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		a.ID,
		a.AgentID,
		a.DecisionID,
		a.ActionType,
		string(a.ActionPayloadJSON),
		a.PatternName,
		a.Confidence,
		a.Reason,
		eventIDs,
		string(a.Status),
		a.ReviewerID,
		a.ReviewNote,
		toMillis(a.ExpiresAt),
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
		nullableMillis(a.ReviewedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert approval rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetApproval loads one approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (approval.Approval, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+approvalColumns+`
FROM pending_approvals
WHERE id = ?`, id)
	return scanApprovalRow(row.Scan)
}

// UpdateApproval writes a reviewed approval only when the stored row is still
// in expectStatus. Concurrent reviewers settle the race here: the loser sees
// zero affected rows.
func (s *Store) UpdateApproval(ctx context.Context, a approval.Approval, expectStatus approval.Status) (bool, error) {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE pending_approvals
SET status = ?, reviewer_id = ?, review_note = ?, updated_at = ?, reviewed_at = ?
WHERE id = ? AND status = ?`,
		string(a.Status),
		a.ReviewerID,
		a.ReviewNote,
		toMillis(a.UpdatedAt),
		nullableMillis(a.ReviewedAt),
		a.ID,
		string(expectStatus),
	)
	if err != nil {
		return false, fmt.Errorf("update approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update approval rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListExpiredPending returns pending approvals whose deadline passed before
// now, oldest deadline first.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]approval.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+approvalColumns+`
FROM pending_approvals
WHERE status = ? AND expires_at < ?
ORDER BY expires_at ASC
LIMIT ?`,
		string(approval.StatusPending),
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListPendingApprovals returns an agent's open review gates, oldest first.
// An empty agentID lists across all agents.
func (s *Store) ListPendingApprovals(ctx context.Context, agentID string, limit int) ([]approval.Approval, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT ` + approvalColumns + `
FROM pending_approvals
WHERE status = ?`
	args := []any{string(approval.StatusPending)}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += `
ORDER BY created_at ASC
LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func collectApprovals(rows *sql.Rows) ([]approval.Approval, error) {
	var approvals []approval.Approval
	for rows.Next() {
		a, err := scanApprovalRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

func scanApprovalRow(scan func(dest ...any) error) (approval.Approval, error) {
	var (
		a           approval.Approval
		payload     string
		eventIDsRaw string
		status      string
		expiresAt   int64
		createdAt   int64
		updatedAt   int64
		reviewedAt  sql.NullInt64
	)
	err := scan(
		&a.ID,
		&a.AgentID,
		&a.DecisionID,
		&a.ActionType,
		&payload,
		&a.PatternName,
		&a.Confidence,
		&a.Reason,
		&eventIDsRaw,
		&status,
		&a.ReviewerID,
		&a.ReviewNote,
		&expiresAt,
		&createdAt,
		&updatedAt,
		&reviewedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return approval.Approval{}, storage.ErrNotFound
		}
		return approval.Approval{}, fmt.Errorf("scan approval: %w", err)
	}

	eventIDs, err := decodeStrings(eventIDsRaw)
	if err != nil {
		return approval.Approval{}, err
	}

	a.ActionPayloadJSON = json.RawMessage(payload)
	a.TriggeringEventIDs = eventIDs
	a.Status = approval.Status(status)
	a.ExpiresAt = fromMillis(expiresAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	if reviewedAt.Valid {
		reviewed := fromMillis(reviewedAt.Int64)
		a.ReviewedAt = &reviewed
	}
	return a, nil
}

func nullableMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}
