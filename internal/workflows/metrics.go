package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/meritflow/internal/workflows"

var (
	retentionRuns        metric.Int64Counter
	retentionDeleted     metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics creates the package instruments. Called once from init.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	retentionRuns, err = meter.Int64Counter(
		"meritflow.workflows.retention.executions",
		metric.WithDescription("Checkpoint retention runs"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retention run counter: %v", err))
	}

	retentionDeleted, err = meter.Int64Counter(
		"meritflow.workflows.retention.deleted",
		metric.WithDescription("Rows removed by checkpoint retention, by table"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retention deleted counter: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"meritflow.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"meritflow.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}
