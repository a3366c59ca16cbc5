// Meritflowd serves the meritflow orchestrator over HTTP.
//
// It wires the compliance engine, checkpoint store, debugger, event bus and
// sub-workflow registry into one orchestrator and exposes it through the
// HTTP API, with server-sent events for live progress.
//
// Configuration comes from an optional YAML file and MERITFLOW_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory checkpoints, local sub-workflows)
//	meritflowd
//
//	# Use a config file and a Postgres checkpoint store
//	MERITFLOW_CHECKPOINT_BACKEND=postgres \
//	MERITFLOW_CHECKPOINT_POSTGRES_DSN=postgres://localhost/meritflow \
//	meritflowd -config /etc/meritflow/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/config"
	"github.com/fyrsmithlabs/meritflow/internal/debugger"
	httpapi "github.com/fyrsmithlabs/meritflow/internal/http"
	"github.com/fyrsmithlabs/meritflow/internal/logging"
	"github.com/fyrsmithlabs/meritflow/internal/orchestrator"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"github.com/fyrsmithlabs/meritflow/internal/subworkflow"
	"github.com/fyrsmithlabs/meritflow/internal/telemetry"
	"github.com/fyrsmithlabs/meritflow/internal/workflows"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  meritflowd [-config file]   Start the meritflow daemon\n")
			fmt.Fprintf(os.Stderr, "  meritflowd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("meritflowd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run builds every service, serves until ctx is cancelled, then shuts
// down the orchestrator before the HTTP server so open event streams end.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting meritflowd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("temporal_retention", cfg.Temporal.Enabled))

	store, err := openStore(ctx, cfg.Checkpoint)
	if err != nil {
		return err
	}
	cps, err := checkpoint.NewService(store,
		checkpoint.WithLogger(zl),
		checkpoint.WithCacheSize(cfg.Checkpoint.CacheSize))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create checkpoint service: %w", err)
	}

	busOpts := []stream.Option{stream.WithLogger(zl)}
	if cfg.Stream.NATSURL != "" {
		nc, err := nats.Connect(cfg.Stream.NATSURL, nats.Name("meritflowd"))
		if err != nil {
			_ = cps.Close()
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				zl.Warn("nats drain failed", zap.Error(err))
			}
		}()
		busOpts = append(busOpts, stream.WithSink(stream.NewNATSSink(nc, cfg.Stream.SubjectPrefix)))
		zl.Info("stream events mirrored to NATS", zap.String("subject_prefix", cfg.Stream.SubjectPrefix))
	}
	bus := stream.NewBus(stream.Config{
		BufferSize:     cfg.Stream.BufferSize,
		PublishTimeout: cfg.Stream.PublishTimeout.Duration(),
	}, busOpts...)

	reg, err := subworkflow.NewDefaultRegistry(
		cfg.Subworkflows.UserEndpoint,
		cfg.Subworkflows.PlatformEndpoint,
		subworkflow.WithTimeout(cfg.Orchestrator.SubworkflowTimeout.Duration()),
		subworkflow.WithRateLimit(cfg.Subworkflows.RatePerSecond, cfg.Subworkflows.Burst),
		subworkflow.WithLogger(zl),
	)
	if err != nil {
		_ = cps.Close()
		return fmt.Errorf("failed to create sub-workflow registry: %w", err)
	}

	reviewTypes, err := reviewOnly(cfg.Compliance.ReviewOnly)
	if err != nil {
		_ = cps.Close()
		return fmt.Errorf("invalid compliance.review_only: %w", err)
	}
	engine := compliance.NewEngine(compliance.Config{
		WordLimit:            cfg.Compliance.WordLimit,
		ProtectedPaths:       cfg.Compliance.ProtectedPaths,
		RequestRateThreshold: cfg.Compliance.RequestRateThreshold,
		BulkLimitThreshold:   cfg.Compliance.BulkLimitThreshold,
		ToolCostCap:          cfg.Compliance.ToolCostCap,
		ReviewOnly:           reviewTypes,
	}, compliance.WithLogger(zl))

	dbg, err := debugger.New(cps, debugger.DefaultConfig(), debugger.WithLogger(zl))
	if err != nil {
		_ = cps.Close()
		return fmt.Errorf("failed to create debugger: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ExpectedSteps:  cfg.Orchestrator.ExpectedSteps,
		MaxQueryLength: cfg.Orchestrator.MaxQueryLength,
		DebugDefault:   cfg.Orchestrator.DebugDefault,
	}, orchestrator.Deps{
		Compliance:   engine,
		Checkpoints:  cps,
		Debugger:     dbg,
		Bus:          bus,
		Subworkflows: reg,
	}, orchestrator.WithLogger(logger))
	if err != nil {
		_ = cps.Close()
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := httpapi.NewServer(httpapi.Deps{
		Orchestrator: orch,
		Debugger:     dbg,
		Compliance:   engine,
		Events:       bus,
	}, zl, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		_ = orch.Shutdown(context.Background())
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		if cfg.Temporal.Enabled {
			return runTemporalRetention(gctx, cfg, dbg, zl)
		}
		return runCleanupLoop(gctx, cfg.Checkpoint, dbg, zl)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return errors.Join(orch.Shutdown(sctx), srv.Shutdown(sctx))
	})

	return g.Wait()
}

func reviewOnly(names []string) ([]compliance.ViolationType, error) {
	types := make([]compliance.ViolationType, 0, len(names))
	for _, n := range names {
		t, err := compliance.ParseViolationType(n)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func openStore(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := checkpoint.NewPostgresStore(ctx, cfg.PostgresDSN.Value())
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres checkpoint store: %w", err)
		}
		return s, nil
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

// runCleanupLoop deletes expired checkpoint data on a fixed interval.
func runCleanupLoop(ctx context.Context, cfg config.CheckpointConfig, dbg *debugger.Debugger, logger *zap.Logger) error {
	ticker := time.NewTicker(cfg.CleanupInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := dbg.Cleanup(ctx, cfg.TTLDays)
			if err != nil {
				logger.Warn("checkpoint cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("checkpoint cleanup complete",
				zap.Int64("checkpoints", res.Checkpoints),
				zap.Int64("diffs", res.Diffs),
				zap.Int64("profiles", res.Profiles),
				zap.Int64("debug_sessions", res.DebugSessions))
		}
	}
}

// runTemporalRetention hosts the retention worker and makes sure the cron
// workflow is scheduled. It returns when ctx is cancelled.
func runTemporalRetention(ctx context.Context, cfg *config.Config, dbg *debugger.Debugger, logger *zap.Logger) error {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	defer c.Close()

	w := workflows.NewRetentionWorker(c, cfg.Temporal.TaskQueue, &workflows.RetentionActivities{Cleaner: dbg})
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start retention worker: %w", err)
	}
	defer w.Stop()

	started, err := workflows.ScheduleRetention(ctx, c, cfg.Temporal.TaskQueue,
		cfg.Checkpoint.CleanupInterval.Duration(),
		workflows.RetentionConfig{TTLDays: cfg.Checkpoint.TTLDays})
	if err != nil {
		return fmt.Errorf("failed to schedule retention workflow: %w", err)
	}
	logger.Info("retention worker running",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.Bool("newly_scheduled", started))

	<-ctx.Done()
	return nil
}
