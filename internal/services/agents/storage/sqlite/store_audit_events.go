package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
)

// InsertAuditEvent appends one audit trail entry. The trail is append-only;
// there is deliberately no update or delete path.
func (s *Store) InsertAuditEvent(ctx context.Context, event audit.Event) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_events (id, agent_id, event_type, subject_id, detail, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.AgentID,
		string(event.Type),
		event.SubjectID,
		string(event.DetailJSON),
		toMillis(event.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns an agent's trail, newest first. A non-empty
// subjectID narrows the trail to one decision, approval, or command.
func (s *Store) ListAuditEvents(ctx context.Context, agentID, subjectID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, agent_id, event_type, subject_id, detail, recorded_at
FROM audit_events
WHERE agent_id = ?`
	args := []any{agentID}
	if subjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, subjectID)
	}
	query += `
ORDER BY recorded_at DESC, id DESC
LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			evt        audit.Event
			eventType  string
			detail     string
			recordedAt int64
		)
		if err := rows.Scan(&evt.ID, &evt.AgentID, &eventType, &evt.SubjectID, &detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Type = audit.EventType(eventType)
		evt.DetailJSON = json.RawMessage(detail)
		evt.RecordedAt = fromMillis(recordedAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
