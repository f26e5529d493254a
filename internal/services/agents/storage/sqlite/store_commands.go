package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

const commandColumns = `id, agent_id, decision_id, command_type, payload, pattern_name, confidence, reason, triggering_event_ids, status, attempts, last_error, next_attempt_at, lease_expires_at, created_at, updated_at`

// CreateCommand inserts a command if absent, reporting whether a row was
// written. Duplicate persistence-phase retries hit the conflict clause and
// report false.
func (s *Store) CreateCommand(ctx context.Context, cmd command.EmittedCommand) (bool, error) {
	eventIDs, err := encodeStrings(cmd.TriggeringEventIDs)
	if err != nil {
		return false, err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO emitted_commands (`+commandColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		cmd.ID,
		cmd.AgentID,
		cmd.DecisionID,
		cmd.Type,
		string(cmd.PayloadJSON),
		cmd.PatternName,
		cmd.Confidence,
		cmd.Reason,
		eventIDs,
		string(cmd.Status),
		cmd.Attempts,
		cmd.LastError,
		toMillis(cmd.NextAttemptAt),
		toMillis(cmd.LeaseExpiresAt),
		toMillis(cmd.CreatedAt),
		toMillis(cmd.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert command: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert command rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetCommand loads one command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (command.EmittedCommand, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM emitted_commands
WHERE id = ?`, id)
	return scanCommandRow(row.Scan)
}

// ClaimCommand atomically moves a pending command to processing under a
// lease. The status guard in the UPDATE is the claim race arbiter: only one
// concurrent router observes an affected row.
func (s *Store) ClaimCommand(ctx context.Context, id string, lease time.Duration) (command.EmittedCommand, bool, error) {
	now := s.now().UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE emitted_commands
SET status = ?, attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(command.StatusProcessing),
		toMillis(now.Add(lease)),
		toMillis(now),
		id,
		string(command.StatusPending),
	)
	if err != nil {
		return command.EmittedCommand{}, false, fmt.Errorf("claim command: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return command.EmittedCommand{}, false, fmt.Errorf("claim command rows affected: %w", err)
	}
	if affected == 0 {
		return command.EmittedCommand{}, false, nil
	}

	cmd, err := s.GetCommand(ctx, id)
	if err != nil {
		return command.EmittedCommand{}, false, err
	}
	return cmd, true, nil
}

// UpdateCommand writes the full mutable state of one command.
func (s *Store) UpdateCommand(ctx context.Context, cmd command.EmittedCommand) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE emitted_commands
SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, lease_expires_at = ?, updated_at = ?
WHERE id = ?`,
		string(cmd.Status),
		cmd.Attempts,
		cmd.LastError,
		toMillis(cmd.NextAttemptAt),
		toMillis(cmd.LeaseExpiresAt),
		toMillis(cmd.UpdatedAt),
		cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("update command: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update command rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRoutable returns pending commands due for a routing attempt, oldest
// first.
func (s *Store) ListRoutable(ctx context.Context, now time.Time, limit int) ([]command.EmittedCommand, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM emitted_commands
WHERE status = ? AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`,
		string(command.StatusPending),
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list routable commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ListStale returns processing commands whose lease expired before now.
func (s *Store) ListStale(ctx context.Context, now time.Time, limit int) ([]command.EmittedCommand, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM emitted_commands
WHERE status = ? AND lease_expires_at > 0 AND lease_expires_at < ?
ORDER BY lease_expires_at ASC
LIMIT ?`,
		string(command.StatusProcessing),
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// QueueSummary counts commands by status and notes the oldest pending
// command's age.
func (s *Store) QueueSummary(ctx context.Context) (storage.QueueSummary, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*), MIN(created_at)
FROM emitted_commands
GROUP BY status`)
	if err != nil {
		return storage.QueueSummary{}, fmt.Errorf("summarize command queue: %w", err)
	}
	defer rows.Close()

	var summary storage.QueueSummary
	for rows.Next() {
		var (
			status string
			count  int
			oldest int64
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return storage.QueueSummary{}, fmt.Errorf("scan queue summary: %w", err)
		}
		switch command.Status(status) {
		case command.StatusPending:
			summary.Pending = count
			summary.OldestPending = fromMillis(oldest)
		case command.StatusProcessing:
			summary.Processing = count
		case command.StatusCompleted:
			summary.Completed = count
		case command.StatusFailed:
			summary.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.QueueSummary{}, fmt.Errorf("iterate queue summary: %w", err)
	}
	return summary, nil
}

func collectCommands(rows *sql.Rows) ([]command.EmittedCommand, error) {
	var commands []command.EmittedCommand
	for rows.Next() {
		cmd, err := scanCommandRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return commands, nil
}

func scanCommandRow(scan func(dest ...any) error) (command.EmittedCommand, error) {
	var (
		cmd            command.EmittedCommand
		payload        string
		eventIDsRaw    string
		status         string
		nextAttemptAt  int64
		leaseExpiresAt int64
		createdAt      int64
		updatedAt      int64
	)
	err := scan(
		&cmd.ID,
		&cmd.AgentID,
		&cmd.DecisionID,
		&cmd.Type,
		&payload,
		&cmd.PatternName,
		&cmd.Confidence,
		&cmd.Reason,
		&eventIDsRaw,
		&status,
		&cmd.Attempts,
		&cmd.LastError,
		&nextAttemptAt,
		&leaseExpiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return command.EmittedCommand{}, storage.ErrNotFound
		}
		return command.EmittedCommand{}, fmt.Errorf("scan command: %w", err)
	}
	eventIDs, err := decodeStrings(eventIDsRaw)
	if err != nil {
		return command.EmittedCommand{}, err
	}
	cmd.TriggeringEventIDs = eventIDs
	cmd.PayloadJSON = json.RawMessage(payload)
	cmd.Status = command.Status(status)
	cmd.NextAttemptAt = fromMillis(nextAttemptAt)
	cmd.LeaseExpiresAt = fromMillis(leaseExpiresAt)
	cmd.CreatedAt = fromMillis(createdAt)
	cmd.UpdatedAt = fromMillis(updatedAt)
	return cmd, nil
}
