package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/domain/approval"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/checkpoint"
	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
	"github.com/louisbranch/vigil/internal/services/agents/domain/decision"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
	"github.com/louisbranch/vigil/internal/services/agents/domain/pattern"
	"github.com/louisbranch/vigil/internal/services/agents/domain/routing"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
	"github.com/louisbranch/vigil/internal/services/agents/storage/memory"
)

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

type stubBackend struct {
	result analysis.Result
	err    error
	calls  int
}

func (b *stubBackend) Analyze(ctx context.Context, prompt string, events []event.Event) (analysis.Result, error) {
	b.calls++
	if b.err != nil {
		return analysis.Result{}, b.err
	}
	return b.result, nil
}

type recordingExecutor struct {
	deliveries []routing.Delivery
	err        error
}

func (r *recordingExecutor) Execute(ctx context.Context, delivery routing.Delivery) error {
	if r.err != nil {
		return r.err
	}
	r.deliveries = append(r.deliveries, delivery)
	return nil
}

type engineFixture struct {
	engine   *Engine
	store    *memory.Store
	executor *recordingExecutor
	backend  *stubBackend
}

func newFixture(t *testing.T, cfg Config, defs []pattern.Definition, backend *stubBackend) *engineFixture {
	t.Helper()
	store := memory.New()
	store.SetClock(fixedNow)
	executor := &recordingExecutor{}

	counter := 0
	opts := Options{
		Store:    store,
		Patterns: defs,
		Routes: routing.Table{
			"scale.up": {Destination: "orchestrator"},
		},
		Registry: routing.NewRegistry("scale.up"),
		Executor: executor,
		Logf:     func(format string, args ...any) {},
		Now:      fixedNow,
		NewID: func() (string, error) {
			counter++
			return fmt.Sprintf("id-%d", counter), nil
		},
	}
	if backend != nil {
		opts.Backend = backend
	}

	engine, err := NewEngine(cfg, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &engineFixture{engine: engine, store: store, executor: executor, backend: backend}
}

func deployEvent(id string, position uint64) event.Event {
	return event.Event{
		ID:             id,
		Type:           "deploy.failed",
		StreamID:       "deploys",
		GlobalPosition: position,
		Timestamp:      fixedNow(),
		PayloadJSON:    json.RawMessage(`{"service":"api"}`),
	}
}

func analyzingPattern() []pattern.Definition {
	return []pattern.Definition{{
		Name:    "error-spike",
		Window:  pattern.Window{Span: time.Hour, MinEvents: 1},
		Trigger: func(events []event.Event) bool { return true },
		Analyze: true,
		Prompt:  "look for failure spikes",
	}}
}

func TestNewEngineValidatesPatterns(t *testing.T) {
	store := memory.New()
	_, err := NewEngine(Config{}, Options{
		Store:    store,
		Patterns: []pattern.Definition{{Name: ""}},
	})
	if !verrors.IsCode(err, verrors.CodeInvalidConfig) {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}

	if _, err := NewEngine(Config{}, Options{}); !verrors.IsCode(err, verrors.CodeInvalidConfig) {
		t.Fatalf("expected INVALID_CONFIG for missing store, got %v", err)
	}
}

func TestEndToEndApprovalFlow(t *testing.T) {
	backend := &stubBackend{result: analysis.Result{
		Detected:   true,
		Confidence: 0.55,
		Reason:     "sustained failures",
		Command: &analysis.ProposedCommand{
			Type:        "scale.up",
			PayloadJSON: json.RawMessage(`{"replicas":3}`),
		},
	}}
	f := newFixture(t, Config{
		Policy: decision.Policy{ConfidenceThreshold: 0.8},
	}, analyzingPattern(), backend)
	ctx := context.Background()

	result, err := f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-1", 1))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.Skipped {
		t.Fatalf("unexpected skip: %s", result.SkipReason)
	}
	if result.Decision == nil || !result.Decision.RequiresApproval {
		t.Fatalf("expected approval-gated decision, got %+v", result.Decision)
	}
	if result.ApprovalID == "" || result.CommandID != "" {
		t.Fatalf("expected approval without direct command, got %+v", result)
	}

	// The gated command is not in the outbox yet.
	summary, err := f.engine.QueueSummary(ctx)
	if err != nil {
		t.Fatalf("queue summary: %v", err)
	}
	if summary.Pending != 0 {
		t.Fatalf("expected empty outbox before approval, got %+v", summary)
	}

	approved, err := f.engine.Approve(ctx, result.ApprovalID, "reviewer-1", "go ahead")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != approval.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	cmd, err := f.store.GetCommand(ctx, approved.DecisionID)
	if err != nil {
		t.Fatalf("get emitted command: %v", err)
	}
	if cmd.Status != command.StatusPending {
		t.Fatalf("expected pending command, got %s", cmd.Status)
	}

	if err := f.engine.RouteCommand(ctx, cmd.ID); err != nil {
		t.Fatalf("route command: %v", err)
	}
	routed, err := f.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get routed command: %v", err)
	}
	if routed.Status != command.StatusCompleted {
		t.Fatalf("expected completed command, got %s", routed.Status)
	}
	if len(f.executor.deliveries) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(f.executor.deliveries))
	}
	if f.executor.deliveries[0].Type != "scale.up" || f.executor.deliveries[0].Destination != "orchestrator" {
		t.Fatalf("unexpected delivery: %+v", f.executor.deliveries[0])
	}

	// The routed audit entry carries the originating pattern through the
	// approval detour.
	trail, err := f.engine.ListAuditEvents(ctx, "agent-1", cmd.ID, 50)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	var routedDetail string
	for _, evt := range trail {
		if evt.Type == audit.TypeCommandRouted {
			routedDetail = string(evt.DetailJSON)
		}
	}
	if !strings.Contains(routedDetail, `"pattern":"error-spike"`) {
		t.Fatalf("expected pattern in routed audit detail, got %s", routedDetail)
	}

	// Checkpoint advanced despite the approval detour.
	cp, err := f.engine.GetCheckpoint(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp.LastProcessedPosition != 1 || cp.EventsProcessed != 1 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestProcessEventDuplicateIsNoop(t *testing.T) {
	backend := &stubBackend{result: analysis.Result{Detected: false}}
	f := newFixture(t, Config{}, analyzingPattern(), backend)
	ctx := context.Background()

	if _, err := f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-1", 1)); err != nil {
		t.Fatalf("process event: %v", err)
	}
	result, err := f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-1", 1))
	if err != nil {
		t.Fatalf("duplicate process: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected duplicate delivery skipped")
	}

	cp, err := f.engine.GetCheckpoint(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp.EventsProcessed != 1 {
		t.Fatalf("expected one processed event, got %d", cp.EventsProcessed)
	}
	if backend.calls != 1 {
		t.Fatalf("expected one analysis call, got %d", backend.calls)
	}
}

func TestProcessEventSkipsInactiveAgent(t *testing.T) {
	f := newFixture(t, Config{}, analyzingPattern(), &stubBackend{})
	ctx := context.Background()

	if _, err := f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-1", 1)); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if _, err := f.engine.PauseAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("pause agent: %v", err)
	}

	result, err := f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-2", 2))
	if err != nil {
		t.Fatalf("process while paused: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected paused agent to skip delivery")
	}

	if _, err := f.engine.ResumeAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("resume agent: %v", err)
	}
	result, err = f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-2", 2))
	if err != nil {
		t.Fatalf("process after resume: %v", err)
	}
	if result.Skipped {
		t.Fatalf("expected processing after resume, got skip: %s", result.SkipReason)
	}
}

func TestCreatePendingApprovalIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	ctx := context.Background()

	d := decision.Decision{
		ID:          "dec-1",
		AgentID:     "agent-1",
		Command:     "scale.up",
		PayloadJSON: json.RawMessage(`{}`),
		Confidence:  0.5,
		Reason:      "low confidence",
	}

	first, created, err := f.engine.CreatePendingApproval(ctx, d)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := f.engine.CreatePendingApproval(ctx, d)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("expected duplicate create to report existing record")
	}
	if second.ID != first.ID {
		t.Fatalf("expected one stored approval, got %s and %s", first.ID, second.ID)
	}
}

func TestApproveNonPendingReturnsStructuredError(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	ctx := context.Background()

	d := decision.Decision{ID: "dec-1", AgentID: "agent-1", Confidence: 0.5}
	if _, _, err := f.engine.CreatePendingApproval(ctx, d); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if _, err := f.engine.Reject(ctx, "dec-1", "reviewer-1", "not needed"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err := f.engine.Approve(ctx, "dec-1", "reviewer-2", "")
	if !verrors.IsCode(err, verrors.CodeNotPending) {
		t.Fatalf("expected NOT_PENDING, got %v", err)
	}

	_, err = f.engine.Approve(ctx, "missing", "reviewer-2", "")
	if !verrors.IsCode(err, verrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

// flakyCommandStore fails a bounded number of outbox writes before
// delegating to the embedded store.
type flakyCommandStore struct {
	*memory.Store
	failures int
}

func (s *flakyCommandStore) CreateCommand(ctx context.Context, cmd command.EmittedCommand) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("disk full")
	}
	return s.Store.CreateCommand(ctx, cmd)
}

func TestApproveRetryHealsLostCommand(t *testing.T) {
	base := memory.New()
	base.SetClock(fixedNow)
	store := &flakyCommandStore{Store: base, failures: 1}

	counter := 0
	engine, err := NewEngine(Config{}, Options{
		Store: store,
		Routes: routing.Table{
			"scale.up": {Destination: "orchestrator"},
		},
		Registry: routing.NewRegistry("scale.up"),
		Executor: &recordingExecutor{},
		Logf:     func(format string, args ...any) {},
		Now:      fixedNow,
		NewID: func() (string, error) {
			counter++
			return fmt.Sprintf("id-%d", counter), nil
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()

	d := decision.Decision{
		ID:          "dec-1",
		AgentID:     "agent-1",
		Command:     "scale.up",
		PayloadJSON: json.RawMessage(`{"replicas":3}`),
		PatternName: "error-spike",
		Confidence:  0.5,
		Reason:      "low confidence",
	}
	if _, _, err := engine.CreatePendingApproval(ctx, d); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	if _, err := engine.Approve(ctx, "dec-1", "reviewer-1", ""); err == nil {
		t.Fatal("expected first approve to surface the outbox failure")
	}

	// The approval flipped before the outbox write, so the granted command
	// is missing until a retry heals it.
	if _, err := base.GetCommand(ctx, "dec-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected missing command after failed emit, got %v", err)
	}

	_, err = engine.Approve(ctx, "dec-1", "reviewer-1", "")
	if !verrors.IsCode(err, verrors.CodeNotPending) {
		t.Fatalf("expected NOT_PENDING on retry, got %v", err)
	}

	cmd, err := base.GetCommand(ctx, "dec-1")
	if err != nil {
		t.Fatalf("get healed command: %v", err)
	}
	if cmd.Status != command.StatusPending {
		t.Fatalf("expected pending command after retry, got %s", cmd.Status)
	}
	if cmd.PatternName != "error-spike" {
		t.Fatalf("expected pattern carried onto command, got %q", cmd.PatternName)
	}
}

func TestExpirePendingApprovals(t *testing.T) {
	f := newFixture(t, Config{ApprovalTTL: time.Hour}, nil, nil)
	ctx := context.Background()

	d := decision.Decision{ID: "dec-1", AgentID: "agent-1", Confidence: 0.5}
	if _, _, err := f.engine.CreatePendingApproval(ctx, d); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	expired, err := f.engine.ExpirePendingApprovals(ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected nothing expired before the deadline, got %d", expired)
	}

	// Jump past the deadline.
	later := fixedNow().Add(2 * time.Hour)
	f.engine.now = func() time.Time { return later }

	expired, err = f.engine.ExpirePendingApprovals(ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired approval, got %d", expired)
	}

	_, err = f.engine.Approve(ctx, "dec-1", "reviewer-1", "")
	if !verrors.IsCode(err, verrors.CodeNotPending) {
		t.Fatalf("expected NOT_PENDING after expiry, got %v", err)
	}
}

func TestSweepStaleCommands(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	ctx := context.Background()

	cmd, err := command.New(command.NewInput{ID: "cmd-1", AgentID: "agent-1", Type: "scale.up"}, fixedNow)
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	if _, err := f.store.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}
	if _, ok, err := f.store.ClaimCommand(ctx, "cmd-1", 30*time.Second); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Jump past the lease.
	later := fixedNow().Add(time.Minute)
	f.engine.now = func() time.Time { return later }

	requeued, failed, err := f.engine.SweepStaleCommands(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("expected one requeue, got requeued=%d failed=%d", requeued, failed)
	}

	reset, err := f.store.GetCommand(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if reset.Status != command.StatusPending {
		t.Fatalf("expected pending after sweep, got %s", reset.Status)
	}
	if !reset.NextAttemptAt.After(later) {
		t.Fatalf("expected backoff before next attempt, got %v", reset.NextAttemptAt)
	}
}

func TestSweepFailsExhaustedCommands(t *testing.T) {
	f := newFixture(t, Config{MaxRouteAttempts: 3}, nil, nil)
	ctx := context.Background()

	cmd, err := command.New(command.NewInput{ID: "cmd-1", AgentID: "agent-1", Type: "scale.up"}, fixedNow)
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	cmd.Attempts = 3
	if _, err := f.store.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}

	requeued, failed, err := f.engine.SweepStaleCommands(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("expected one failure, got requeued=%d failed=%d", requeued, failed)
	}

	abandoned, err := f.store.GetCommand(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if abandoned.Status != command.StatusFailed {
		t.Fatalf("expected failed, got %s", abandoned.Status)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	ctx := context.Background()

	evt := deployEvent("evt-1", 7)
	entry, err := f.engine.ParkEvent(ctx, "agent-1", evt, errors.New("analysis backend misconfigured"), 5)
	if err != nil {
		t.Fatalf("park event: %v", err)
	}

	pending, err := f.engine.ListPendingDeadLetters(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending entry, got %d", len(pending))
	}

	replayedEvent, err := f.engine.ReplayDeadLetter(ctx, entry.ID, "operator-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayedEvent.ID != "evt-1" || replayedEvent.GlobalPosition != 7 {
		t.Fatalf("expected preserved event, got %+v", replayedEvent)
	}

	err = f.engine.IgnoreDeadLetter(ctx, entry.ID, "operator-2", "already replayed")
	if !verrors.IsCode(err, verrors.CodeNotPending) {
		t.Fatalf("expected NOT_PENDING after replay, got %v", err)
	}
}

func TestStopAgentBlocksLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, analyzingPattern(), &stubBackend{})
	ctx := context.Background()

	if _, err := f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-1", 1)); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if _, err := f.engine.StopAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("stop agent: %v", err)
	}

	_, err := f.engine.PauseAgent(ctx, "agent-1")
	if !verrors.IsCode(err, verrors.CodeAgentStopped) {
		t.Fatalf("expected AGENT_STOPPED, got %v", err)
	}

	cp, err := f.engine.ResumeAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("resume stopped agent: %v", err)
	}
	if cp.Status != checkpoint.StatusActive {
		t.Fatalf("expected active after resume, got %s", cp.Status)
	}
}

func TestAuditTrailCoversDecisionFlow(t *testing.T) {
	backend := &stubBackend{result: analysis.Result{
		Detected:   true,
		Confidence: 0.95,
		Reason:     "confirmed",
		Command: &analysis.ProposedCommand{
			Type:        "scale.up",
			PayloadJSON: json.RawMessage(`{"replicas":2}`),
		},
	}}
	f := newFixture(t, Config{
		Policy: decision.Policy{ConfidenceThreshold: 0.8},
	}, analyzingPattern(), backend)
	ctx := context.Background()

	result, err := f.engine.ProcessEvent(ctx, "agent-1", deployEvent("evt-1", 1))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if result.CommandID == "" {
		t.Fatalf("expected direct command emission, got %+v", result)
	}

	events, err := f.engine.ListAuditEvents(ctx, "agent-1", "", 50)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	seen := make(map[audit.EventType]bool)
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []audit.EventType{
		audit.TypeAgentStarted,
		audit.TypePatternDetected,
		audit.TypeDecisionRecorded,
		audit.TypeCommandEmitted,
	} {
		if !seen[want] {
			t.Fatalf("expected audit type %s in trail %v", want, events)
		}
	}
}
