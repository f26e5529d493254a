// Package pattern evaluates ordered pattern definitions against windowed
// event history.
//
// Definitions are static configuration validated at startup. Execution walks
// the array in order (array index is priority) and stops at the first match,
// so at most one decision is produced per processed event.
package pattern

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/domain/decision"
	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
	"github.com/louisbranch/vigil/internal/services/agents/domain/governor"
)

// Trigger is a pure predicate over the windowed events. No I/O.
type Trigger func(events []event.Event) bool

// Window bounds the slice of history a pattern sees.
type Window struct {
	// Span is how far back from now events are considered.
	Span time.Duration
	// MinEvents rejects the window when fewer events fall inside it.
	MinEvents int
	// MaxEvents caps the window to the most recent events; zero means no cap.
	MaxEvents int
}

// Definition is one immutable, configured pattern.
type Definition struct {
	Name    string
	Window  Window
	Trigger Trigger
	// Analyze asks the analysis backend to confirm the trigger before a
	// decision is built. Patterns without it decide on the trigger alone.
	Analyze bool
	// Prompt describes the pattern to the analysis backend.
	Prompt string
}

// ValidateDefinitions checks the configured pattern set before the engine
// starts. All violations fail fast with INVALID_CONFIG.
func ValidateDefinitions(defs []Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("pattern %d has no name", i))
		}
		if _, dup := seen[name]; dup {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("pattern name %q is duplicated", name))
		}
		seen[name] = struct{}{}

		if def.Trigger == nil {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("pattern %q has no trigger", name))
		}
		if def.Window.Span <= 0 {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("pattern %q has a non-positive window span", name))
		}
		if def.Window.MinEvents < 1 {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("pattern %q requires a minimum event count of at least 1", name))
		}
		if def.Window.MaxEvents != 0 && def.Window.MaxEvents < def.Window.MinEvents {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("pattern %q caps the window below its minimum", name))
		}
		if def.Analyze && strings.TrimSpace(def.Prompt) == "" {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("pattern %q analyzes without a prompt", name))
		}
	}
	return nil
}

// Match is the outcome of a successful execution pass.
type Match struct {
	Pattern  Definition
	Decision decision.Decision
	// WindowEvents are the events the pattern actually saw.
	WindowEvents []event.Event
}

// Executor runs the configured patterns for one agent.
type Executor struct {
	Builder  decision.Builder
	Backend  analysis.Backend
	Governor *governor.Governor

	Logf func(format string, args ...any)
	Now  func() time.Time
}

func (e *Executor) clock() func() time.Time {
	if e.Now != nil {
		return e.Now
	}
	return time.Now
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Execute evaluates patterns in priority order against the event history and
// returns the first match, or nil when no pattern matched. Analysis failures
// degrade to rule-based decisions; they never fail the pass.
func (e *Executor) Execute(ctx context.Context, agentID string, defs []Definition, history []event.Event) (*Match, error) {
	now := e.clock()()

	for _, def := range defs {
		windowed := filterWindow(history, def.Window, now)
		if len(windowed) < def.Window.MinEvents {
			continue
		}
		if !def.Trigger(windowed) {
			continue
		}

		if !def.Analyze {
			d, err := e.Builder.FromTrigger(agentID, def.Name, "", windowed, decision.MethodRuleBased)
			if err != nil {
				return nil, fmt.Errorf("build decision for pattern %q: %w", def.Name, err)
			}
			return &Match{Pattern: def, Decision: d, WindowEvents: windowed}, nil
		}

		result, err := e.analyze(ctx, def, windowed)
		if err != nil {
			e.logf("pattern: analysis for %q degraded to rule-based (%s): %v", def.Name, governor.Classify(err), err)
			d, buildErr := e.Builder.FromTrigger(agentID, def.Name, fmt.Sprintf("analysis unavailable: %v", err), windowed, decision.MethodRuleBasedFallback)
			if buildErr != nil {
				return nil, fmt.Errorf("build fallback decision for pattern %q: %w", def.Name, buildErr)
			}
			return &Match{Pattern: def, Decision: d, WindowEvents: windowed}, nil
		}
		if !result.Detected {
			// The backend overruled the trigger; keep looking.
			continue
		}

		d, err := e.Builder.FromAnalysis(agentID, def.Name, result, windowed, decision.MethodLLM)
		if err != nil {
			return nil, fmt.Errorf("build decision for pattern %q: %w", def.Name, err)
		}
		return &Match{Pattern: def, Decision: d, WindowEvents: windowed}, nil
	}
	return nil, nil
}

func (e *Executor) analyze(ctx context.Context, def Definition, windowed []event.Event) (analysis.Result, error) {
	backend := e.Backend
	if backend == nil {
		backend = analysis.Noop{}
	}

	if e.Governor != nil {
		release, err := e.Governor.Acquire(ctx)
		if err != nil {
			return analysis.Result{}, err
		}
		defer release()
	}

	result, err := backend.Analyze(ctx, def.Prompt, windowed)
	if err != nil {
		return analysis.Result{}, err
	}
	if alert := e.Governor.RecordCost(result.Cost); alert {
		e.logf("pattern: daily analysis spend crossed the alert threshold")
	}
	return result, nil
}

// filterWindow keeps events inside the time span, newest last, capped to the
// most recent MaxEvents.
func filterWindow(history []event.Event, window Window, now time.Time) []event.Event {
	cutoff := now.Add(-window.Span)
	filtered := make([]event.Event, 0, len(history))
	for _, evt := range history {
		if evt.Timestamp.Before(cutoff) {
			continue
		}
		filtered = append(filtered, evt)
	}
	if window.MaxEvents > 0 && len(filtered) > window.MaxEvents {
		filtered = filtered[len(filtered)-window.MaxEvents:]
	}
	return filtered
}
