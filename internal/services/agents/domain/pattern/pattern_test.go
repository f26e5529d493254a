package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/domain/decision"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
)

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func historyAt(offsets ...time.Duration) []event.Event {
	events := make([]event.Event, 0, len(offsets))
	for i, offset := range offsets {
		events = append(events, event.Event{
			ID:        fmt.Sprintf("evt-%d", i+1),
			Type:      "deploy.failed",
			Timestamp: fixedNow().Add(-offset),
		})
	}
	return events
}

func alwaysTrigger(events []event.Event) bool { return true }
func neverTrigger(events []event.Event) bool  { return false }

type stubBackend struct {
	result analysis.Result
	err    error
	calls  int
	prompt string
	window []event.Event
}

func (b *stubBackend) Analyze(ctx context.Context, prompt string, events []event.Event) (analysis.Result, error) {
	b.calls++
	b.prompt = prompt
	b.window = events
	if b.err != nil {
		return analysis.Result{}, b.err
	}
	return b.result, nil
}

func testExecutor(backend analysis.Backend) *Executor {
	counter := 0
	return &Executor{
		Builder: decision.Builder{
			Policy: decision.Policy{ConfidenceThreshold: 0.8},
			Now:    fixedNow,
			NewID: func() (string, error) {
				counter++
				return fmt.Sprintf("dec-%d", counter), nil
			},
		},
		Backend: backend,
		Logf:    func(format string, args ...any) {},
		Now:     fixedNow,
	}
}

func TestValidateDefinitions(t *testing.T) {
	valid := []Definition{
		{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 2}, Trigger: alwaysTrigger},
		{Name: "spike", Window: Window{Span: time.Hour, MinEvents: 1, MaxEvents: 5}, Trigger: alwaysTrigger, Analyze: true, Prompt: "look for spikes"},
	}
	if err := ValidateDefinitions(valid); err != nil {
		t.Fatalf("valid definitions rejected: %v", err)
	}

	cases := []struct {
		name string
		defs []Definition
	}{
		{"empty name", []Definition{{Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger}}},
		{"duplicate name", []Definition{
			{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger},
			{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger},
		}},
		{"nil trigger", []Definition{{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 1}}}},
		{"zero span", []Definition{{Name: "burst", Window: Window{MinEvents: 1}, Trigger: alwaysTrigger}}},
		{"zero min events", []Definition{{Name: "burst", Window: Window{Span: time.Hour}, Trigger: alwaysTrigger}}},
		{"cap below minimum", []Definition{{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 3, MaxEvents: 2}, Trigger: alwaysTrigger}}},
		{"analyze without prompt", []Definition{{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger, Analyze: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDefinitions(tc.defs)
			if !verrors.IsCode(err, verrors.CodeInvalidConfig) {
				t.Fatalf("expected INVALID_CONFIG, got %v", err)
			}
		})
	}
}

func TestExecuteFirstPatternWins(t *testing.T) {
	e := testExecutor(nil)
	defs := []Definition{
		{Name: "first", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger},
		{Name: "second", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger},
	}

	match, err := e.Execute(context.Background(), "agent-1", defs, historyAt(time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if match == nil || match.Pattern.Name != "first" {
		t.Fatalf("expected first pattern to match, got %+v", match)
	}
	if match.Decision.Method != decision.MethodRuleBased {
		t.Fatalf("expected rule-based method, got %s", match.Decision.Method)
	}
}

func TestExecuteWindowFiltering(t *testing.T) {
	e := testExecutor(nil)
	defs := []Definition{
		{Name: "burst", Window: Window{Span: 10 * time.Minute, MinEvents: 2}, Trigger: alwaysTrigger},
	}

	// Only one event inside the 10-minute span.
	match, err := e.Execute(context.Background(), "agent-1", defs, historyAt(time.Minute, time.Hour, 2*time.Hour))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if match != nil {
		t.Fatalf("expected no match below minimum events, got %+v", match)
	}

	match, err = e.Execute(context.Background(), "agent-1", defs, historyAt(time.Minute, 2*time.Minute, time.Hour))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if match == nil {
		t.Fatal("expected match with two events in span")
	}
	if len(match.WindowEvents) != 2 {
		t.Fatalf("expected 2 windowed events, got %d", len(match.WindowEvents))
	}
}

func TestExecuteWindowCap(t *testing.T) {
	backend := &stubBackend{result: analysis.Result{Detected: true, Confidence: 0.9, Reason: "confirmed"}}
	e := testExecutor(backend)
	defs := []Definition{
		{Name: "spike", Window: Window{Span: time.Hour, MinEvents: 1, MaxEvents: 2}, Trigger: alwaysTrigger, Analyze: true, Prompt: "spikes"},
	}

	_, err := e.Execute(context.Background(), "agent-1", defs, historyAt(3*time.Minute, 2*time.Minute, time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(backend.window) != 2 {
		t.Fatalf("expected window capped to 2 events, got %d", len(backend.window))
	}
}

func TestExecuteNoTriggerNoMatch(t *testing.T) {
	e := testExecutor(nil)
	defs := []Definition{
		{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: neverTrigger},
	}

	match, err := e.Execute(context.Background(), "agent-1", defs, historyAt(time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if match != nil {
		t.Fatalf("expected no match, got %+v", match)
	}
}

func TestExecuteAnalysisConfirms(t *testing.T) {
	backend := &stubBackend{result: analysis.Result{
		Detected:   true,
		Confidence: 0.9,
		Reason:     "sustained failures",
		Command: &analysis.ProposedCommand{
			Type:        "rollback",
			PayloadJSON: json.RawMessage(`{"to":"v41"}`),
		},
	}}
	e := testExecutor(backend)
	defs := []Definition{
		{Name: "spike", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger, Analyze: true, Prompt: "look for failure spikes"},
	}

	match, err := e.Execute(context.Background(), "agent-1", defs, historyAt(time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if match == nil {
		t.Fatal("expected match")
	}
	if match.Decision.Method != decision.MethodLLM {
		t.Fatalf("expected llm method, got %s", match.Decision.Method)
	}
	if match.Decision.Command != "rollback" {
		t.Fatalf("expected proposed command, got %q", match.Decision.Command)
	}
	if backend.prompt != "look for failure spikes" {
		t.Fatalf("expected prompt forwarded, got %q", backend.prompt)
	}
}

func TestExecuteAnalysisOverrulesTrigger(t *testing.T) {
	backend := &stubBackend{result: analysis.Result{Detected: false, Reason: "noise"}}
	e := testExecutor(backend)
	defs := []Definition{
		{Name: "spike", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger, Analyze: true, Prompt: "spikes"},
		{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger},
	}

	match, err := e.Execute(context.Background(), "agent-1", defs, historyAt(time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if match == nil || match.Pattern.Name != "burst" {
		t.Fatalf("expected execution to continue to the next pattern, got %+v", match)
	}
	if backend.calls != 1 {
		t.Fatalf("expected one analysis call, got %d", backend.calls)
	}
}

func TestExecuteAnalysisFailureFallsBack(t *testing.T) {
	backend := &stubBackend{err: errors.New("provider down")}
	e := testExecutor(backend)
	defs := []Definition{
		{Name: "spike", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger, Analyze: true, Prompt: "spikes"},
		{Name: "burst", Window: Window{Span: time.Hour, MinEvents: 1}, Trigger: alwaysTrigger},
	}

	match, err := e.Execute(context.Background(), "agent-1", defs, historyAt(time.Minute))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if match == nil || match.Pattern.Name != "spike" {
		t.Fatalf("expected fallback match on the analyzing pattern, got %+v", match)
	}
	if match.Decision.Method != decision.MethodRuleBasedFallback {
		t.Fatalf("expected fallback method, got %s", match.Decision.Method)
	}
	if !match.Decision.RequiresApproval {
		t.Fatal("fallback decision must require approval")
	}
}
