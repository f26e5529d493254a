// Package engine parses engine command flags and launches the agent engine
// runtime.
package engine

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/vigil/internal/platform/cmd"
	"github.com/louisbranch/vigil/internal/services/agents/analysis"
	"github.com/louisbranch/vigil/internal/services/agents/analysis/anthropic"
	agentsapp "github.com/louisbranch/vigil/internal/services/agents/app"
	"github.com/louisbranch/vigil/internal/services/agents/domain/decision"
	"github.com/louisbranch/vigil/internal/services/agents/domain/governor"
)

// Config holds engine command configuration.
type Config struct {
	Port           int           `env:"VIGIL_ENGINE_PORT" envDefault:"8093"`
	DBPath         string        `env:"VIGIL_ENGINE_DB_PATH" envDefault:"data/agents.db"`
	SubscriptionID string        `env:"VIGIL_ENGINE_SUBSCRIPTION" envDefault:"agents"`
	ApprovalTTL    time.Duration `env:"VIGIL_ENGINE_APPROVAL_TTL" envDefault:"24h"`
	RouteInterval  time.Duration `env:"VIGIL_ENGINE_ROUTE_INTERVAL" envDefault:"1s"`
	SweepInterval  time.Duration `env:"VIGIL_ENGINE_SWEEP_INTERVAL" envDefault:"30s"`
	ExpiryInterval time.Duration `env:"VIGIL_ENGINE_EXPIRY_INTERVAL" envDefault:"1m"`
	RouteLease     time.Duration `env:"VIGIL_ENGINE_ROUTE_LEASE" envDefault:"30s"`
	MaxAttempts    int           `env:"VIGIL_ENGINE_MAX_ROUTE_ATTEMPTS" envDefault:"3"`

	ConfidenceThreshold float64 `env:"VIGIL_ENGINE_CONFIDENCE_THRESHOLD" envDefault:"0.8"`

	AnalysisRequestsPerMinute int     `env:"VIGIL_ENGINE_ANALYSIS_RPM" envDefault:"20"`
	AnalysisMaxConcurrent     int     `env:"VIGIL_ENGINE_ANALYSIS_CONCURRENCY" envDefault:"2"`
	AnalysisQueueDepth        int     `env:"VIGIL_ENGINE_ANALYSIS_QUEUE_DEPTH" envDefault:"10"`
	AnalysisDailyBudget       float64 `env:"VIGIL_ENGINE_ANALYSIS_DAILY_BUDGET" envDefault:"0"`
	AnthropicAPIKey           string  `env:"VIGIL_ENGINE_ANTHROPIC_API_KEY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The engine health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The engine SQLite database path")
	fs.StringVar(&cfg.SubscriptionID, "subscription", cfg.SubscriptionID, "Event subscription name for agent checkpoints")
	fs.DurationVar(&cfg.ApprovalTTL, "approval-ttl", cfg.ApprovalTTL, "Pending approval review window")
	fs.DurationVar(&cfg.RouteInterval, "route-interval", cfg.RouteInterval, "Outbox routing poll interval")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Stale command sweep interval")
	fs.DurationVar(&cfg.ExpiryInterval, "expiry-interval", cfg.ExpiryInterval, "Approval expiry sweep interval")
	fs.DurationVar(&cfg.RouteLease, "route-lease", cfg.RouteLease, "Routing claim lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-route-attempts", cfg.MaxAttempts, "Maximum routing attempts before a command fails")
	fs.Float64Var(&cfg.ConfidenceThreshold, "confidence-threshold", cfg.ConfidenceThreshold, "Approval confidence threshold")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the engine runtime.
func Run(ctx context.Context, cfg Config) error {
	var backend analysis.Backend
	if cfg.AnthropicAPIKey != "" {
		backend = anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.AnthropicAPIKey
		})
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEngine, func(context.Context) error {
		return agentsapp.Run(ctx, agentsapp.RuntimeConfig{
			Port:           cfg.Port,
			DBPath:         cfg.DBPath,
			RouteInterval:  cfg.RouteInterval,
			SweepInterval:  cfg.SweepInterval,
			ExpiryInterval: cfg.ExpiryInterval,
			Engine: agentsapp.Config{
				SubscriptionID:   cfg.SubscriptionID,
				ApprovalTTL:      cfg.ApprovalTTL,
				RouteLease:       cfg.RouteLease,
				MaxRouteAttempts: cfg.MaxAttempts,
				Policy: decision.Policy{
					ConfidenceThreshold: cfg.ConfidenceThreshold,
				},
				Governor: governor.Config{
					MaxRequestsPerMinute: cfg.AnalysisRequestsPerMinute,
					MaxConcurrent:        cfg.AnalysisMaxConcurrent,
					QueueDepth:           cfg.AnalysisQueueDepth,
					DailyBudget:          cfg.AnalysisDailyBudget,
				},
			},
		}, agentsapp.Options{
			Backend: backend,
		})
	})
}
