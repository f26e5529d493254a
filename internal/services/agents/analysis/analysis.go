// Package analysis defines the strategy interface for external pattern
// analysis.
//
// A backend inspects the windowed events behind a triggered pattern and
// returns a structured verdict. Backends may call out to a language model;
// the engine treats them as untrusted collaborators whose failures degrade
// into rule-based decisions rather than processing failures.
package analysis

import (
	"context"
	"encoding/json"

	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
)

// ProposedCommand is the command a backend proposes in response to a pattern.
type ProposedCommand struct {
	Type        string
	PayloadJSON json.RawMessage
}

// Result is the structured outcome of one analysis call.
type Result struct {
	// Detected reports whether the backend confirmed the pattern. A false
	// verdict is not an error: the executor moves on to the next pattern.
	Detected   bool
	Confidence float64
	Reason     string
	// Command, when set, proposes a concrete command to emit.
	Command *ProposedCommand
	// DataJSON carries supplementary findings when no command is proposed.
	DataJSON json.RawMessage
	// Cost is the provider-reported spend for this call, in account units.
	Cost float64
}

// Backend analyzes windowed events for one triggered pattern.
type Backend interface {
	Analyze(ctx context.Context, prompt string, events []event.Event) (Result, error)
}

// Noop is a backend that never confirms a pattern. It stands in for a real
// backend in tests and in deployments that run rule-based patterns only.
type Noop struct{}

// Analyze reports no detection.
func (Noop) Analyze(ctx context.Context, prompt string, events []event.Event) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Detected: false, Reason: "analysis disabled"}, nil
}
