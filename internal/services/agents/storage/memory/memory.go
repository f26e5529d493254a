// Package memory provides an in-memory implementation of the agent engine
// storage contracts, intended for tests and ephemeral deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/vigil/internal/services/agents/domain/approval"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/checkpoint"
	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
	"github.com/louisbranch/vigil/internal/services/agents/domain/deadletter"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

// Store keeps all records in process memory behind one mutex.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	checkpoints map[string]checkpoint.Checkpoint
	commands    map[string]command.EmittedCommand
	approvals   map[string]approval.Approval
	auditEvents []audit.Event
	deadLetters map[string]deadletter.Entry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		now:         time.Now,
		checkpoints: make(map[string]checkpoint.Checkpoint),
		commands:    make(map[string]command.EmittedCommand),
		approvals:   make(map[string]approval.Approval),
		deadLetters: make(map[string]deadletter.Entry),
	}
}

// SetClock overrides the store clock. Tests use it to control lease math.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetCheckpoint loads the progress marker for one agent.
func (s *Store) GetCheckpoint(ctx context.Context, agentID string) (checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[agentID]
	if !ok {
		return checkpoint.Checkpoint{}, storage.ErrNotFound
	}
	return cp, nil
}

// PutCheckpoint upserts the progress marker for one agent.
func (s *Store) PutCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.AgentID] = cp
	return nil
}

// CreateCommand inserts a command if absent.
func (s *Store) CreateCommand(ctx context.Context, cmd command.EmittedCommand) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[cmd.ID]; exists {
		return false, nil
	}
	s.commands[cmd.ID] = cmd
	return true, nil
}

// GetCommand loads one command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (command.EmittedCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return command.EmittedCommand{}, storage.ErrNotFound
	}
	return cmd, nil
}

// ClaimCommand atomically moves a pending command to processing.
func (s *Store) ClaimCommand(ctx context.Context, id string, lease time.Duration) (command.EmittedCommand, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return command.EmittedCommand{}, false, storage.ErrNotFound
	}
	if cmd.Status != command.StatusPending {
		return command.EmittedCommand{}, false, nil
	}
	claimed, err := command.Claim(cmd, lease, s.now)
	if err != nil {
		return command.EmittedCommand{}, false, err
	}
	s.commands[id] = claimed
	return claimed, true, nil
}

// UpdateCommand writes the full mutable state of one command.
func (s *Store) UpdateCommand(ctx context.Context, cmd command.EmittedCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.ID]; !ok {
		return storage.ErrNotFound
	}
	s.commands[cmd.ID] = cmd
	return nil
}

// ListRoutable returns pending commands due for a routing attempt.
func (s *Store) ListRoutable(ctx context.Context, now time.Time, limit int) ([]command.EmittedCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var routable []command.EmittedCommand
	for _, cmd := range s.commands {
		if cmd.Routable(now) {
			routable = append(routable, cmd)
		}
	}
	sort.Slice(routable, func(i, j int) bool {
		return routable[i].CreatedAt.Before(routable[j].CreatedAt)
	})
	return clip(routable, limit), nil
}

// ListStale returns processing commands whose lease expired before now.
func (s *Store) ListStale(ctx context.Context, now time.Time, limit int) ([]command.EmittedCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []command.EmittedCommand
	for _, cmd := range s.commands {
		if cmd.LeaseExpired(now) {
			stale = append(stale, cmd)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LeaseExpiresAt.Before(stale[j].LeaseExpiresAt)
	})
	return clip(stale, limit), nil
}

// QueueSummary counts commands by status.
func (s *Store) QueueSummary(ctx context.Context) (storage.QueueSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var summary storage.QueueSummary
	for _, cmd := range s.commands {
		switch cmd.Status {
		case command.StatusPending:
			summary.Pending++
			if summary.OldestPending.IsZero() || cmd.CreatedAt.Before(summary.OldestPending) {
				summary.OldestPending = cmd.CreatedAt
			}
		case command.StatusProcessing:
			summary.Processing++
		case command.StatusCompleted:
			summary.Completed++
		case command.StatusFailed:
			summary.Failed++
		}
	}
	return summary, nil
}

// CreateApproval inserts an approval if absent.
func (s *Store) CreateApproval(ctx context.Context, a approval.Approval) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[a.ID]; exists {
		return false, nil
	}
	s.approvals[a.ID] = a
	return true, nil
}

// GetApproval loads one approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return approval.Approval{}, storage.ErrNotFound
	}
	return a, nil
}

// UpdateApproval writes a reviewed approval when the stored row is still in
// expectStatus.
func (s *Store) UpdateApproval(ctx context.Context, a approval.Approval, expectStatus approval.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.approvals[a.ID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if current.Status != expectStatus {
		return false, nil
	}
	s.approvals[a.ID] = a
	return true, nil
}

// ListExpiredPending returns pending approvals whose deadline passed.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []approval.Approval
	for _, a := range s.approvals {
		if a.Status == approval.StatusPending && a.ExpiresAt.Before(now) {
			expired = append(expired, a)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	return clip(expired, limit), nil
}

// ListPendingApprovals returns open review gates, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, agentID string, limit int) ([]approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []approval.Approval
	for _, a := range s.approvals {
		if a.Status != approval.StatusPending {
			continue
		}
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		pending = append(pending, a)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return clip(pending, limit), nil
}

// InsertAuditEvent appends one audit trail entry.
func (s *Store) InsertAuditEvent(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEvents = append(s.auditEvents, event)
	return nil
}

// ListAuditEvents returns an agent's trail, newest first. A non-empty
// subjectID narrows the trail to one decision, approval, or command.
func (s *Store) ListAuditEvents(ctx context.Context, agentID, subjectID string, limit int) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []audit.Event
	for _, evt := range s.auditEvents {
		if evt.AgentID != agentID {
			continue
		}
		if subjectID != "" && evt.SubjectID != subjectID {
			continue
		}
		events = append(events, evt)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].RecordedAt.After(events[j].RecordedAt)
	})
	return clip(events, limit), nil
}

// CreateDeadLetter inserts a parked event if absent.
func (s *Store) CreateDeadLetter(ctx context.Context, entry deadletter.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deadLetters[entry.ID]; exists {
		return false, nil
	}
	s.deadLetters[entry.ID] = entry
	return true, nil
}

// GetDeadLetter loads one parked event by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (deadletter.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return deadletter.Entry{}, storage.ErrNotFound
	}
	return entry, nil
}

// UpdateDeadLetter writes a resolved entry when the stored row is pending.
func (s *Store) UpdateDeadLetter(ctx context.Context, entry deadletter.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deadLetters[entry.ID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if current.Status != deadletter.StatusPending {
		return false, nil
	}
	s.deadLetters[entry.ID] = entry
	return true, nil
}

// ListPendingDeadLetters returns unresolved entries, oldest first.
func (s *Store) ListPendingDeadLetters(ctx context.Context, agentID string, limit int) ([]deadletter.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []deadletter.Entry
	for _, entry := range s.deadLetters {
		if entry.Status != deadletter.StatusPending {
			continue
		}
		if agentID != "" && entry.AgentID != agentID {
			continue
		}
		pending = append(pending, entry)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return clip(pending, limit), nil
}

func clip[T any](values []T, limit int) []T {
	if limit > 0 && len(values) > limit {
		return values[:limit]
	}
	return values
}
