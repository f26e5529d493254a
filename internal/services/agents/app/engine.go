// Package app assembles the agent engine: event processing, approvals,
// routing, sweeps, and dead-letter recovery over one storage backend.
package app

import (
	"log"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/platform/id"
	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/decision"
	"github.com/louisbranch/vigil/internal/services/agents/domain/governor"
	"github.com/louisbranch/vigil/internal/services/agents/domain/pattern"
	"github.com/louisbranch/vigil/internal/services/agents/domain/routing"
	"github.com/louisbranch/vigil/internal/services/agents/storage"
)

// Config tunes engine behavior. Zero values get defaults.
type Config struct {
	// SubscriptionID names the event subscription checkpoints are created
	// under.
	SubscriptionID string
	// ApprovalTTL bounds how long a pending approval waits for review.
	ApprovalTTL time.Duration
	// HistorySize caps the per-agent buffer of recent events.
	HistorySize int
	// SweepBatchSize caps rows handled per sweep pass.
	SweepBatchSize int
	// RouteLease bounds a routing claim before sweeps requeue it.
	RouteLease time.Duration
	// MaxRouteAttempts caps delivery attempts before a command fails.
	MaxRouteAttempts int

	// Policy is the approval policy applied to every decision.
	Policy decision.Policy
	// Governor bounds external analysis calls.
	Governor governor.Config
}

func (c Config) normalized() Config {
	if c.SubscriptionID == "" {
		c.SubscriptionID = "agents"
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = 24 * time.Hour
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.RouteLease <= 0 {
		c.RouteLease = 30 * time.Second
	}
	if c.MaxRouteAttempts <= 0 {
		c.MaxRouteAttempts = 3
	}
	return c
}

// Engine is the decision-and-routing engine façade. All exposed operations
// return structured errors for expected business conditions and raw errors
// only for genuine storage failures.
type Engine struct {
	cfg      Config
	store    storage.Store
	patterns []pattern.Definition
	executor *pattern.Executor
	router   *routing.Router
	recorder *audit.Recorder
	governor *governor.Governor
	history  *History

	logf  func(format string, args ...any)
	now   func() time.Time
	newID func() (string, error)
}

// Options carries the collaborators an engine is assembled from.
type Options struct {
	Store    storage.Store
	Patterns []pattern.Definition
	Backend  analysis.Backend
	// Routes maps command types to destinations and transforms.
	Routes routing.Table
	// Registry is the set of command types the orchestrator accepts.
	Registry *routing.Registry
	// Executor performs final command delivery.
	Executor routing.Executor

	Logf  func(format string, args ...any)
	Now   func() time.Time
	NewID func() (string, error)
}

// NewEngine assembles an engine, failing fast on invalid configuration.
func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, verrors.New(verrors.CodeInvalidConfig, "storage is required")
	}
	if err := pattern.ValidateDefinitions(opts.Patterns); err != nil {
		return nil, err
	}
	if opts.Executor != nil {
		if err := routing.ValidateTable(opts.Routes, opts.Registry); err != nil {
			return nil, err
		}
	}

	cfg = cfg.normalized()
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = id.NewID
	}

	recorder := &audit.Recorder{
		Store: opts.Store,
		Logf:  logf,
		Now:   now,
		NewID: newID,
	}
	gov := governor.New(cfg.Governor, now)

	engine := &Engine{
		cfg:      cfg,
		store:    opts.Store,
		patterns: opts.Patterns,
		recorder: recorder,
		governor: gov,
		history:  NewHistory(cfg.HistorySize),
		logf:     logf,
		now:      now,
		newID:    newID,
	}

	engine.executor = &pattern.Executor{
		Builder: decision.Builder{
			Policy: cfg.Policy,
			Now:    now,
			NewID:  newID,
		},
		Backend:  opts.Backend,
		Governor: gov,
		Logf:     logf,
		Now:      now,
	}

	if opts.Executor != nil {
		engine.router = &routing.Router{
			Store:    opts.Store,
			Table:    opts.Routes,
			Registry: opts.Registry,
			Executor: opts.Executor,
			Audit:    recorder,
			Lease:    cfg.RouteLease,
			Logf:     logf,
			Now:      now,
		}
	}

	return engine, nil
}

// Usage returns the governor's current accounting.
func (e *Engine) Usage() governor.Usage {
	return e.governor.Usage()
}
