// Package governor bounds external analysis calls by rate, concurrency, and
// spend.
//
// The analysis call inside the pattern executor is the only operation in the
// engine expected to block on the network, so it is the sole subject of the
// governor's concurrency cap. Callers acquire a slot before calling out and
// release it when the call returns; acquisition fails with a structured error
// when the wait queue is full or the daily budget is exhausted.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
)

const (
	defaultMaxRequestsPerMinute = 20
	defaultMaxConcurrent        = 2
	defaultQueueDepth           = 10
	defaultAlertThreshold       = 0.8
)

// Config bounds analysis call volume and spend. Static configuration;
// consulted, never mutated, by the governor.
type Config struct {
	MaxRequestsPerMinute int
	MaxConcurrent        int
	QueueDepth           int
	// DailyBudget caps spend per UTC day; zero disables budget tracking.
	DailyBudget float64
	// AlertThreshold is the budget fraction past which RecordCost reports an
	// alert, in (0, 1].
	AlertThreshold float64
}

func (c Config) normalized() Config {
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = defaultMaxRequestsPerMinute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		c.AlertThreshold = defaultAlertThreshold
	}
	return c
}

// Usage is a point-in-time snapshot of governor accounting.
type Usage struct {
	WindowRequests int
	InFlight       int
	Waiting        int
	SpentToday     float64
}

// Governor enforces the configured bounds.
type Governor struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
	inFlight    int
	waiting     int
	day         time.Time
	spentToday  float64
	alerted     bool
}

// New creates a governor with defaults applied to the zero fields of cfg.
func New(cfg Config, now func() time.Time) *Governor {
	if now == nil {
		now = time.Now
	}
	return &Governor{cfg: cfg.normalized(), now: now}
}

// Acquire blocks until a call slot is available and the per-minute window has
// room, honoring ctx cancellation. The returned release function must be
// called when the external call finishes.
//
// Acquire fails immediately with QUEUE_OVERFLOW when the wait queue is full
// and with BUDGET_EXCEEDED when the daily budget is spent.
func (g *Governor) Acquire(ctx context.Context) (release func(), err error) {
	if g == nil {
		return nil, fmt.Errorf("governor is required")
	}

	g.mu.Lock()
	g.rollover()
	if g.cfg.DailyBudget > 0 && g.spentToday >= g.cfg.DailyBudget {
		g.mu.Unlock()
		return nil, verrors.New(verrors.CodeBudgetExceeded, "daily analysis budget exhausted")
	}
	if g.waiting >= g.cfg.QueueDepth {
		g.mu.Unlock()
		return nil, verrors.New(verrors.CodeQueueOverflow, "analysis queue is full")
	}
	g.waiting++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		g.mu.Lock()
		g.rollover()
		if g.inFlight < g.cfg.MaxConcurrent && g.windowCount < g.cfg.MaxRequestsPerMinute {
			g.inFlight++
			g.windowCount++
			g.mu.Unlock()
			return g.release, nil
		}
		wait := g.windowStart.Add(time.Minute).Sub(g.now())
		g.mu.Unlock()

		if wait <= 0 || wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Governor) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// RecordCost adds spend for a completed call and reports whether the spend
// crossed the configured alert threshold for the first time today.
func (g *Governor) RecordCost(cost float64) (alert bool) {
	if g == nil || cost <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	g.spentToday += cost
	if g.cfg.DailyBudget <= 0 {
		return false
	}
	if !g.alerted && g.spentToday >= g.cfg.DailyBudget*g.cfg.AlertThreshold {
		g.alerted = true
		return true
	}
	return false
}

// Usage returns current accounting for operator introspection.
func (g *Governor) Usage() Usage {
	if g == nil {
		return Usage{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	return Usage{
		WindowRequests: g.windowCount,
		InFlight:       g.inFlight,
		Waiting:        g.waiting,
		SpentToday:     g.spentToday,
	}
}

// rollover resets the request window and the budget day when they lapse.
// Callers must hold g.mu.
func (g *Governor) rollover() {
	now := g.now().UTC()
	if now.Sub(g.windowStart) >= time.Minute {
		g.windowStart = now
		g.windowCount = 0
	}
	day := now.Truncate(24 * time.Hour)
	if !day.Equal(g.day) {
		g.day = day
		g.spentToday = 0
		g.alerted = false
	}
}
