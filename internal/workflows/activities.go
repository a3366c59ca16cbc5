package workflows

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cleaner removes checkpoint data older than a TTL. *debugger.Debugger
// implements it.
type Cleaner interface {
	Cleanup(ctx context.Context, days int) (checkpoint.DeleteResult, error)
}

// CleanupInput is the activity input.
type CleanupInput struct {
	TTLDays int
}

// CleanupOutput is the activity output.
type CleanupOutput struct {
	Checkpoints   int64
	Diffs         int64
	Profiles      int64
	DebugSessions int64
}

// RetentionActivities holds activity dependencies. Register a pointer with
// the worker.
type RetentionActivities struct {
	Cleaner Cleaner
}

// CleanupCheckpointsActivity runs one cleanup pass.
func (a *RetentionActivities) CleanupCheckpointsActivity(ctx context.Context, in CleanupInput) (*CleanupOutput, error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("activity", "cleanup_checkpoints"))
	defer func() {
		activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	res, err := a.Cleaner.Cleanup(ctx, in.TTLDays)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
		retentionRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return nil, NewRetentionError("cleanup_checkpoints", ErrorSeverityCritical, err, "")
	}

	retentionRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	for table, n := range map[string]int64{
		"checkpoint_metadata":  res.Checkpoints,
		"state_diffs":          res.Diffs,
		"performance_profiles": res.Profiles,
		"debug_sessions":       res.DebugSessions,
	} {
		retentionDeleted.Add(ctx, n, metric.WithAttributes(attribute.String("table", table)))
	}

	return &CleanupOutput{
		Checkpoints:   res.Checkpoints,
		Diffs:         res.Diffs,
		Profiles:      res.Profiles,
		DebugSessions: res.DebugSessions,
	}, nil
}
