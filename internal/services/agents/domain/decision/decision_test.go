package decision

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
)

func testBuilder() Builder {
	counter := 0
	return Builder{
		Policy: Policy{ConfidenceThreshold: 0.8},
		Now:    func() time.Time { return time.Unix(9000, 0).UTC() },
		NewID: func() (string, error) {
			counter++
			return "dec-" + string(rune('a'+counter)), nil
		},
	}
}

func windowEvents(n int) []event.Event {
	events := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, event.Event{ID: "evt-" + string(rune('a'+i))})
	}
	return events
}

func TestPolicyListsWinOverThreshold(t *testing.T) {
	policy := Policy{
		ConfidenceThreshold: 0.8,
		AutoApprove:         []string{"X"},
		RequireApproval:     []string{"Y"},
	}

	if policy.RequiresApproval("X", 0.95) {
		t.Fatal("auto-approve list must skip review regardless of confidence")
	}
	if policy.RequiresApproval("X", 0.01) {
		t.Fatal("auto-approve list must win over low confidence")
	}
	if !policy.RequiresApproval("Y", 0.95) {
		t.Fatal("forced-review list must win over high confidence")
	}
	if !policy.RequiresApproval("Z", 0.5) {
		t.Fatal("below-threshold command must need review")
	}
	if policy.RequiresApproval("Z", 0.9) {
		t.Fatal("above-threshold command must not need review")
	}
	if !policy.RequiresApproval("", 1.0) {
		t.Fatal("decision without command must always need review")
	}
}

func TestFromAnalysisWithCommand(t *testing.T) {
	b := testBuilder()
	result := analysis.Result{
		Detected:   true,
		Confidence: 0.9,
		Reason:     "sustained error spike",
		Command: &analysis.ProposedCommand{
			Type:        "scale.up",
			PayloadJSON: json.RawMessage(`{"replicas":3}`),
		},
	}

	d, err := b.FromAnalysis("agent-1", "error-spike", result, windowEvents(2), MethodLLM)
	if err != nil {
		t.Fatalf("from analysis: %v", err)
	}
	if d.Command != "scale.up" {
		t.Fatalf("expected command scale.up, got %q", d.Command)
	}
	if string(d.PayloadJSON) != `{"replicas":3}` {
		t.Fatalf("unexpected payload: %s", d.PayloadJSON)
	}
	if d.RequiresApproval {
		t.Fatal("confident command above threshold must not need review")
	}
	if d.Method != MethodLLM {
		t.Fatalf("expected llm method, got %s", d.Method)
	}
	if len(d.TriggeringEventIDs) != 2 {
		t.Fatalf("expected 2 triggering events, got %d", len(d.TriggeringEventIDs))
	}
}

func TestFromAnalysisWithoutCommandUsesData(t *testing.T) {
	b := testBuilder()
	result := analysis.Result{
		Detected:   true,
		Confidence: 0.95,
		Reason:     "anomaly summary",
		DataJSON:   json.RawMessage(`{"anomalies":2}`),
	}

	d, err := b.FromAnalysis("agent-1", "anomaly", result, windowEvents(1), MethodLLM)
	if err != nil {
		t.Fatalf("from analysis: %v", err)
	}
	if d.HasCommand() {
		t.Fatal("expected no command")
	}
	if string(d.PayloadJSON) != `{"anomalies":2}` {
		t.Fatalf("expected data payload, got %s", d.PayloadJSON)
	}
	if !d.RequiresApproval {
		t.Fatal("command-less decision must always need review")
	}
}

func TestFromTriggerConfidenceHeuristic(t *testing.T) {
	b := testBuilder()

	cases := []struct {
		events int
		want   float64
	}{
		{1, 0.6},
		{3, 0.8},
		{4, 0.85}, // capped
		{10, 0.85},
	}
	for _, tc := range cases {
		d, err := b.FromTrigger("agent-1", "burst", "", windowEvents(tc.events), MethodRuleBased)
		if err != nil {
			t.Fatalf("from trigger: %v", err)
		}
		if math.Abs(d.Confidence-tc.want) > 1e-9 {
			t.Fatalf("events=%d: expected confidence %f, got %f", tc.events, tc.want, d.Confidence)
		}
		if !d.RequiresApproval {
			t.Fatal("trigger-only decision must always need review")
		}
		if d.HasCommand() {
			t.Fatal("trigger-only decision must not carry a command")
		}
	}
}

func TestFromTriggerDefaultsReason(t *testing.T) {
	b := testBuilder()
	d, err := b.FromTrigger("agent-1", "burst", " ", windowEvents(2), MethodRuleBasedFallback)
	if err != nil {
		t.Fatalf("from trigger: %v", err)
	}
	if d.Reason == "" {
		t.Fatal("expected generated reason")
	}
	if d.Method != MethodRuleBasedFallback {
		t.Fatalf("expected fallback method, got %s", d.Method)
	}
}

func TestBuilderValidatesIdentity(t *testing.T) {
	b := testBuilder()
	if _, err := b.FromTrigger("", "burst", "", nil, MethodRuleBased); err == nil {
		t.Fatal("expected error for missing agent id")
	}
	if _, err := b.FromTrigger("agent-1", " ", "", nil, MethodRuleBased); err == nil {
		t.Fatal("expected error for missing pattern name")
	}
}
