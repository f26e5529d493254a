package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/louisbranch/vigil/internal/services/agents/domain/checkpoint"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

// GetCheckpoint loads the progress marker for one agent.
func (s *Store) GetCheckpoint(ctx context.Context, agentID string) (checkpoint.Checkpoint, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT agent_id, subscription_id, last_processed_position, last_event_id, status, events_processed, updated_at
FROM agent_checkpoints
WHERE agent_id = ?`, agentID)

	var (
		cp        checkpoint.Checkpoint
		status    string
		updatedAt int64
	)
	err := row.Scan(
		&cp.AgentID,
		&cp.SubscriptionID,
		&cp.LastProcessedPosition,
		&cp.LastEventID,
		&status,
		&cp.EventsProcessed,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return checkpoint.Checkpoint{}, storage.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.Status = checkpoint.Status(status)
	cp.UpdatedAt = fromMillis(updatedAt)
	return cp, nil
}

// PutCheckpoint upserts the progress marker for one agent.
func (s *Store) PutCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO agent_checkpoints (agent_id, subscription_id, last_processed_position, last_event_id, status, events_processed, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (agent_id) DO UPDATE SET
    subscription_id = excluded.subscription_id,
    last_processed_position = excluded.last_processed_position,
    last_event_id = excluded.last_event_id,
    status = excluded.status,
    events_processed = excluded.events_processed,
    updated_at = excluded.updated_at`,
		cp.AgentID,
		cp.SubscriptionID,
		cp.LastProcessedPosition,
		cp.LastEventID,
		string(cp.Status),
		cp.EventsProcessed,
		toMillis(cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}
