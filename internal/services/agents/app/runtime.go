package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/vigil/internal/services/agents/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls engine startup and background loop behavior.
type RuntimeConfig struct {
	Port   int
	DBPath string

	// RouteInterval paces the outbox routing loop.
	RouteInterval time.Duration
	// SweepInterval paces the stale-command sweep.
	SweepInterval time.Duration
	// ExpiryInterval paces the approval expiry sweep.
	ExpiryInterval time.Duration

	Engine Config
}

const (
	defaultEnginePort     = 8093
	defaultEngineDB       = "data/agents.db"
	defaultRouteInterval  = time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultExpiryInterval = time.Minute
)

// Run starts engine runtime dependencies and the background maintenance
// loops: outbox routing (when an executor is wired), the stale-command
// sweep, and the approval expiry sweep. It blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultEnginePort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultEngineDB
	}
	if cfg.RouteInterval <= 0 {
		cfg.RouteInterval = defaultRouteInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create engine storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open engine sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close engine sqlite store: %v", closeErr)
		}
	}()

	opts.Store = store
	engine, err := NewEngine(cfg.Engine, opts)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on engine port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("agents.engine", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("engine server listening at %v", listener.Addr())
	return engine.runLoops(ctx, cfg)
}

func (e *Engine) runLoops(ctx context.Context, cfg RuntimeConfig) error {
	routeTicker := time.NewTicker(cfg.RouteInterval)
	defer routeTicker.Stop()
	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()
	expiryTicker := time.NewTicker(cfg.ExpiryInterval)
	defer expiryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-routeTicker.C:
			if e.router == nil {
				continue
			}
			if _, err := e.RoutePending(ctx); err != nil {
				e.logf("app: route pending commands: %v", err)
			}
		case <-sweepTicker.C:
			requeued, failed, err := e.SweepStaleCommands(ctx)
			if err != nil {
				e.logf("app: sweep stale commands: %v", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				e.logf("app: sweep requeued %d and failed %d commands", requeued, failed)
			}
		case <-expiryTicker.C:
			expired, err := e.ExpirePendingApprovals(ctx)
			if err != nil {
				e.logf("app: expire pending approvals: %v", err)
				continue
			}
			if expired > 0 {
				e.logf("app: expired %d pending approvals", expired)
			}
		}
	}
}
