// Package storage defines the persistence contracts for the agent engine.
//
// Implementations must provide the atomicity the contracts call out:
// ClaimCommand and UpdateApproval are compare-and-swap operations so
// concurrent routers and reviewers settle races in the database, not in
// process memory.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/vigil/internal/services/agents/domain/approval"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/checkpoint"
	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
	"github.com/louisbranch/vigil/internal/services/agents/domain/deadletter"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// QueueSummary is a point-in-time count of commands by status.
type QueueSummary struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	// OldestPending is the creation time of the oldest pending command, zero
	// when nothing is pending.
	OldestPending time.Time
}

// CheckpointStore persists per-agent progress markers.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, agentID string) (checkpoint.Checkpoint, error)
	PutCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error
}

// CommandStore persists the emitted-command outbox.
type CommandStore interface {
	// CreateCommand inserts a command if absent. It reports false when the id
	// already exists, which duplicate persistence-phase retries rely on.
	CreateCommand(ctx context.Context, cmd command.EmittedCommand) (created bool, err error)
	GetCommand(ctx context.Context, id string) (command.EmittedCommand, error)
	// ClaimCommand atomically moves a pending command to processing under a
	// lease, reporting false when the command was not pending.
	ClaimCommand(ctx context.Context, id string, lease time.Duration) (command.EmittedCommand, bool, error)
	UpdateCommand(ctx context.Context, cmd command.EmittedCommand) error
	// ListRoutable returns pending commands whose next-attempt time has
	// passed, oldest first.
	ListRoutable(ctx context.Context, now time.Time, limit int) ([]command.EmittedCommand, error)
	// ListStale returns processing commands whose lease expired before now.
	ListStale(ctx context.Context, now time.Time, limit int) ([]command.EmittedCommand, error)
	QueueSummary(ctx context.Context) (QueueSummary, error)
}

// ApprovalStore persists pending approvals and their review outcomes.
type ApprovalStore interface {
	// CreateApproval inserts an approval if absent, reporting false when the
	// id already exists.
	CreateApproval(ctx context.Context, a approval.Approval) (created bool, err error)
	GetApproval(ctx context.Context, id string) (approval.Approval, error)
	// UpdateApproval writes a reviewed approval only when the stored row is
	// still in expectStatus, reporting false when another reviewer won.
	UpdateApproval(ctx context.Context, a approval.Approval, expectStatus approval.Status) (updated bool, err error)
	// ListExpiredPending returns pending approvals whose deadline passed
	// before now, oldest first.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]approval.Approval, error)
	ListPendingApprovals(ctx context.Context, agentID string, limit int) ([]approval.Approval, error)
}

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, event audit.Event) error
	// ListAuditEvents returns an agent's trail, newest first. A non-empty
	// subjectID narrows the trail to one decision, approval, or command.
	ListAuditEvents(ctx context.Context, agentID, subjectID string, limit int) ([]audit.Event, error)
}

// DeadLetterStore persists parked events awaiting operator resolution.
type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, entry deadletter.Entry) (created bool, err error)
	GetDeadLetter(ctx context.Context, id string) (deadletter.Entry, error)
	// UpdateDeadLetter writes a resolved entry only when the stored row is
	// still pending, reporting false otherwise.
	UpdateDeadLetter(ctx context.Context, entry deadletter.Entry) (updated bool, err error)
	ListPendingDeadLetters(ctx context.Context, agentID string, limit int) ([]deadletter.Entry, error)
}

// Store aggregates every persistence contract the engine needs.
type Store interface {
	CheckpointStore
	CommandStore
	ApprovalStore
	AuditStore
	DeadLetterStore
}
