package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/vigil/internal/services/agents/domain/deadletter"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

const deadLetterColumns = `id, agent_id, event_id, event_type, event_stream_id, event_position, event_timestamp, event_correlation_id, event_payload, reason, attempts, status, note, resolved_by, created_at, updated_at, resolved_at`

// CreateDeadLetter inserts a parked event if absent, reporting whether a row
// was written.
func (s *Store) CreateDeadLetter(ctx context.Context, entry deadletter.Entry) (bool, error) {
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO dead_letters (`+deadLetterColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		entry.ID,
		entry.AgentID,
		entry.Event.ID,
		string(entry.Event.Type),
		entry.Event.StreamID,
		entry.Event.GlobalPosition,
		toMillis(entry.Event.Timestamp),
		entry.Event.CorrelationID,
		string(entry.Event.PayloadJSON),
		entry.Reason,
		entry.Attempts,
		string(entry.Status),
		entry.Note,
		entry.ResolvedBy,
		toMillis(entry.CreatedAt),
		toMillis(entry.UpdatedAt),
		nullableMillis(entry.ResolvedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert dead letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert dead letter rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetDeadLetter loads one parked event by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (deadletter.Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+deadLetterColumns+`
FROM dead_letters
WHERE id = ?`, id)
	return scanDeadLetterRow(row.Scan)
}

// UpdateDeadLetter writes a resolved entry only when the stored row is still
// pending, reporting false when another operator resolved it first.
func (s *Store) UpdateDeadLetter(ctx context.Context, entry deadletter.Entry) (bool, error) {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE dead_letters
SET status = ?, note = ?, resolved_by = ?, updated_at = ?, resolved_at = ?
WHERE id = ? AND status = ?`,
		string(entry.Status),
		entry.Note,
		entry.ResolvedBy,
		toMillis(entry.UpdatedAt),
		nullableMillis(entry.ResolvedAt),
		entry.ID,
		string(deadletter.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("update dead letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update dead letter rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListPendingDeadLetters returns unresolved entries, oldest first. An empty
// agentID lists across all agents.
func (s *Store) ListPendingDeadLetters(ctx context.Context, agentID string, limit int) ([]deadletter.Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT ` + deadLetterColumns + `
FROM dead_letters
WHERE status = ?`
	args := []any{string(deadletter.StatusPending)}
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
		return nil, fmt.Errorf("list pending dead letters: %w", err)
	}
	defer rows.Close()

	var entries []deadletter.Entry
	for rows.Next() {
		entry, err := scanDeadLetterRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

func scanDeadLetterRow(scan func(dest ...any) error) (deadletter.Entry, error) {
	var (
		entry          deadletter.Entry
		eventType      string
		eventTimestamp int64
		eventPayload   string
		status         string
		createdAt      int64
		updatedAt      int64
		resolvedAt     sql.NullInt64
	)
	err := scan(
		&entry.ID,
		&entry.AgentID,
		&entry.Event.ID,
		&eventType,
		&entry.Event.StreamID,
		&entry.Event.GlobalPosition,
		&eventTimestamp,
		&entry.Event.CorrelationID,
		&eventPayload,
		&entry.Reason,
		&entry.Attempts,
		&status,
		&entry.Note,
		&entry.ResolvedBy,
		&createdAt,
		&updatedAt,
		&resolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return deadletter.Entry{}, storage.ErrNotFound
		}
		return deadletter.Entry{}, fmt.Errorf("scan dead letter: %w", err)
	}

	entry.Event.Type = event.Type(eventType)
	entry.Event.Timestamp = fromMillis(eventTimestamp)
	entry.Event.PayloadJSON = json.RawMessage(eventPayload)
	entry.Status = deadletter.Status(status)
	entry.CreatedAt = fromMillis(createdAt)
	entry.UpdatedAt = fromMillis(updatedAt)
	if resolvedAt.Valid {
		resolved := fromMillis(resolvedAt.Int64)
		entry.ResolvedAt = &resolved
	}
	return entry, nil
}
