// Package routing delivers emitted commands to their destination executors.
//
// Routing is the second, asynchronous phase of command emission: a command is
// first persisted to the outbox, then a router claims it, transforms it for
// the destination, and executes the delivery. A delivery failure is terminal
// and marks the command failed; only the staleness sweep re-enqueues, for
// claims whose router died mid-flight.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
	"github.com/louisbranch/vigil/internal/services/agents/domain/audit"
	"github.com/louisbranch/vigil/internal/services/agents/domain/command"
)

// Delivery is the routed form of a command handed to an executor.
type Delivery struct {
	CommandID   string
	AgentID     string
	Type        string
	Destination string
	PayloadJSON json.RawMessage
}

// Executor performs the final delivery of a routed command.
type Executor interface {
	Execute(ctx context.Context, delivery Delivery) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, delivery Delivery) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

// Route binds a command type to a destination and an optional payload
// transform. A nil Transform passes the payload through unchanged.
type Route struct {
	Destination string
	Transform   func(cmd command.EmittedCommand) (json.RawMessage, error)
}

// Table maps command types to routes.
type Table map[string]Route

// Lookup returns the route for a command type.
func (t Table) Lookup(commandType string) (Route, bool) {
	route, ok := t[commandType]
	return route, ok
}

// Registry is the set of command types the downstream orchestrator accepts.
// A routed command must be both in the table and registered; the table says
// where it goes, the registry says the destination will honor it.
type Registry struct {
	types map[string]struct{}
}

// NewRegistry builds a registry from the accepted command types.
func NewRegistry(types ...string) *Registry {
	r := &Registry{types: make(map[string]struct{}, len(types))}
	for _, typ := range types {
		typ = strings.TrimSpace(typ)
		if typ != "" {
			r.types[typ] = struct{}{}
		}
	}
	return r
}

// Registered reports whether the orchestrator accepts the command type.
func (r *Registry) Registered(commandType string) bool {
	if r == nil {
		return false
	}
	_, ok := r.types[commandType]
	return ok
}

// Types returns the registered command types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.types))
	for typ := range r.types {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// ValidateTable checks that every route names a destination and that its
// command type is registered with the orchestrator. Misrouted command types
// should fail at assembly, not at delivery.
func ValidateTable(table Table, registry *Registry) error {
	for typ, route := range table {
		if strings.TrimSpace(typ) == "" {
			return verrors.New(verrors.CodeInvalidConfig, "route command type is required")
		}
		if strings.TrimSpace(route.Destination) == "" {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("route for %q has no destination", typ))
		}
		if !registry.Registered(typ) {
			return verrors.New(verrors.CodeInvalidConfig, fmt.Sprintf("route for %q is not registered with the orchestrator", typ))
		}
	}
	return nil
}

// Store is the command persistence the router needs.
type Store interface {
	GetCommand(ctx context.Context, id string) (command.EmittedCommand, error)
	// ClaimCommand atomically moves a pending command to processing under a
	// lease. It reports false when the command was not pending, which is how
	// concurrent routers lose the race without error.
	ClaimCommand(ctx context.Context, id string, lease time.Duration) (command.EmittedCommand, bool, error)
	UpdateCommand(ctx context.Context, cmd command.EmittedCommand) error
}

// Router claims pending commands and drives them to a terminal status.
type Router struct {
	Store    Store
	Table    Table
	Registry *Registry
	Executor Executor
	Audit    *audit.Recorder

	// Lease bounds how long a processing claim is honored before sweeps
	// requeue it. Defaults to 30 seconds.
	Lease time.Duration

	Logf func(format string, args ...any)
	Now  func() time.Time
}

func (r *Router) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

func (r *Router) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (r *Router) lease() time.Duration {
	if r.Lease > 0 {
		return r.Lease
	}
	return 30 * time.Second
}

// Route attempts delivery of one command. It returns an error only when
// persisted state could not be read or written; delivery failures are
// recorded on the command and surface through its status instead.
func (r *Router) Route(ctx context.Context, commandID string) error {
	cmd, err := r.Store.GetCommand(ctx, commandID)
	if err != nil {
		return fmt.Errorf("load command %s: %w", commandID, err)
	}
	if cmd.Status != command.StatusPending {
		// Already claimed, delivered, or abandoned by another router.
		return nil
	}

	route, ok := r.Table.Lookup(cmd.Type)
	if !ok {
		return r.abandon(ctx, cmd, verrors.New(verrors.CodeUnknownRoute, fmt.Sprintf("no route for command type %q", cmd.Type)))
	}
	if !r.Registry.Registered(cmd.Type) {
		return r.abandon(ctx, cmd, verrors.New(verrors.CodeCommandNotRegistered, fmt.Sprintf("command type %q is not registered with the orchestrator", cmd.Type)))
	}

	claimed, ok, err := r.Store.ClaimCommand(ctx, cmd.ID, r.lease())
	if err != nil {
		return fmt.Errorf("claim command %s: %w", cmd.ID, err)
	}
	if !ok {
		// Lost the claim race.
		return nil
	}

	payload := claimed.PayloadJSON
	if route.Transform != nil {
		payload, err = route.Transform(claimed)
		if err != nil {
			return r.finishFailed(ctx, claimed, verrors.Wrap(verrors.CodeInvalidTransform, fmt.Sprintf("transform command type %q", claimed.Type), err))
		}
	}

	delivery := Delivery{
		CommandID:   claimed.ID,
		AgentID:     claimed.AgentID,
		Type:        claimed.Type,
		Destination: route.Destination,
		PayloadJSON: payload,
	}
	if err := r.Executor.Execute(ctx, delivery); err != nil {
		r.logf("routing: command %s delivery to %s failed: %v", claimed.ID, route.Destination, err)
		return r.finishFailed(ctx, claimed, fmt.Errorf("deliver to %s: %w", route.Destination, err))
	}

	completed, err := command.Complete(claimed, r.clock())
	if err != nil {
		return fmt.Errorf("complete command %s: %w", claimed.ID, err)
	}
	if err := r.Store.UpdateCommand(ctx, completed); err != nil {
		return fmt.Errorf("persist completed command %s: %w", claimed.ID, err)
	}
	detail := map[string]any{
		"destination": route.Destination,
		"attempts":    completed.Attempts,
	}
	if completed.PatternName != "" {
		detail["pattern"] = completed.PatternName
		detail["confidence"] = completed.Confidence
	}
	r.recordBestEffort(ctx, completed, audit.TypeCommandRouted, detail)
	return nil
}

// abandon fails a still-pending command for a non-retryable pre-claim cause.
func (r *Router) abandon(ctx context.Context, cmd command.EmittedCommand, cause error) error {
	failed, err := command.Fail(cmd, cause.Error(), r.clock())
	if err != nil {
		return fmt.Errorf("fail command %s: %w", cmd.ID, err)
	}
	if err := r.Store.UpdateCommand(ctx, failed); err != nil {
		return fmt.Errorf("persist failed command %s: %w", cmd.ID, err)
	}
	r.recordBestEffort(ctx, failed, audit.TypeCommandRoutingFailed, map[string]any{
		"cause": cause.Error(),
	})
	return nil
}

func (r *Router) finishFailed(ctx context.Context, cmd command.EmittedCommand, cause error) error {
	failed, err := command.Fail(cmd, cause.Error(), r.clock())
	if err != nil {
		return fmt.Errorf("fail command %s: %w", cmd.ID, err)
	}
	if err := r.Store.UpdateCommand(ctx, failed); err != nil {
		return fmt.Errorf("persist failed command %s: %w", cmd.ID, err)
	}
	r.recordBestEffort(ctx, failed, audit.TypeCommandRoutingFailed, map[string]any{
		"cause":    cause.Error(),
		"attempts": failed.Attempts,
	})
	return nil
}

func (r *Router) recordBestEffort(ctx context.Context, cmd command.EmittedCommand, eventType audit.EventType, fields map[string]any) {
	if r.Audit == nil {
		return
	}
	r.Audit.RecordBestEffort(ctx, cmd.AgentID, eventType, cmd.ID, audit.Detail(fields))
}
