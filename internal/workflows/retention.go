// Package workflows runs checkpoint retention as a Temporal workflow.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// RetentionConfig configures one retention run.
type RetentionConfig struct {
	TTLDays int // checkpoints older than this are removed
}

// RetentionResult reports what a run removed.
type RetentionResult struct {
	Checkpoints   int64
	Diffs         int64
	Profiles      int64
	DebugSessions int64
	Errors        []string
}

// errInvalidTTL is returned for a TTL below one day.
var errInvalidTTL = errors.New("ttl_days must be >= 1")

// RetentionWorkflow deletes checkpoints, diffs, profiles and ended debug
// sessions older than the configured TTL. It is started with a cron
// schedule; each run performs one cleanup.
func RetentionWorkflow(ctx workflow.Context, cfg RetentionConfig) (*RetentionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting checkpoint retention", "ttl_days", cfg.TTLDays)

	result := &RetentionResult{}
	if cfg.TTLDays < 1 {
		err := NewRetentionError("validate_config", ErrorSeverityCritical, errInvalidTTL, "")
		result.Errors = append(result.Errors, FormatErrorForResult("invalid retention config", err))
		return result, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidConfig", err)
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 5 * time.Second,
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *RetentionActivities
	var out CleanupOutput
	err := workflow.ExecuteActivity(ctx, a.CleanupCheckpointsActivity, CleanupInput{TTLDays: cfg.TTLDays}).Get(ctx, &out)
	if err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("failed to clean up checkpoints", err))
		return result, NewRetentionError("cleanup_checkpoints", ErrorSeverityCritical, err, "")
	}

	result.Checkpoints = out.Checkpoints
	result.Diffs = out.Diffs
	result.Profiles = out.Profiles
	result.DebugSessions = out.DebugSessions

	logger.Info("Checkpoint retention complete",
		"checkpoints", out.Checkpoints,
		"diffs", out.Diffs,
		"profiles", out.Profiles,
		"debug_sessions", out.DebugSessions)
	return result, nil
}
