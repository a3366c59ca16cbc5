package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
)

// RetentionWorkflowID is the fixed id of the scheduled retention workflow.
const RetentionWorkflowID = "meritflow-checkpoint-retention"

// NewRetentionWorker returns a worker on taskQueue with the retention
// workflow and activities registered. The caller runs it.
func NewRetentionWorker(c client.Client, taskQueue string, acts *RetentionActivities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(RetentionWorkflow)
	w.RegisterActivity(acts)
	return w
}

// ScheduleRetention starts the retention workflow on a cron schedule of one
// run per interval. A schedule that already exists is left as is and
// reported with started=false.
func ScheduleRetention(ctx context.Context, c client.Client, taskQueue string, interval time.Duration, cfg RetentionConfig) (started bool, err error) {
	if interval < time.Minute {
		return false, fmt.Errorf("retention interval %s is below one minute", interval)
	}
	opts := client.StartWorkflowOptions{
		ID:           RetentionWorkflowID,
		TaskQueue:    taskQueue,
		CronSchedule: cronEvery(interval),
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := c.ExecuteWorkflow(startCtx, opts, RetentionWorkflow, cfg); err != nil {
		if temporal.IsWorkflowExecutionAlreadyStartedError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to start retention workflow: %w", err)
	}
	return true, nil
}

// cronEvery renders an interval as a cron descriptor.
func cronEvery(d time.Duration) string {
	return "@every " + d.Truncate(time.Minute).String()
}
