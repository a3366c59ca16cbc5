package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

type fakeCleaner struct {
	days int
	res  checkpoint.DeleteResult
	err  error
}

func (f *fakeCleaner) Cleanup(_ context.Context, days int) (checkpoint.DeleteResult, error) {
	f.days = days
	return f.res, f.err
}

func TestRetentionWorkflow(t *testing.T) {
	t.Run("runs cleanup with the configured ttl", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		cleaner := &fakeCleaner{res: checkpoint.DeleteResult{Checkpoints: 12, Diffs: 3, Profiles: 2, DebugSessions: 1}}
		env.RegisterWorkflow(RetentionWorkflow)
		env.RegisterActivity(&RetentionActivities{Cleaner: cleaner})

		env.ExecuteWorkflow(RetentionWorkflow, RetentionConfig{TTLDays: 30})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result RetentionResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, int64(12), result.Checkpoints)
		assert.Equal(t, int64(3), result.Diffs)
		assert.Equal(t, int64(2), result.Profiles)
		assert.Equal(t, int64(1), result.DebugSessions)
		assert.Empty(t, result.Errors)
		assert.Equal(t, 30, cleaner.days)
	})

	t.Run("fails when cleanup keeps failing", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		var a *RetentionActivities
		env.RegisterWorkflow(RetentionWorkflow)
		env.RegisterActivity(&RetentionActivities{})
		env.OnActivity(a.CleanupCheckpointsActivity, mock.Anything, CleanupInput{TTLDays: 7}).
			Return(nil, errors.New("database unavailable"))

		env.ExecuteWorkflow(RetentionWorkflow, RetentionConfig{TTLDays: 7})

		require.True(t, env.IsWorkflowCompleted())
		err := env.GetWorkflowError()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cleanup_checkpoints failed")
		assert.Contains(t, err.Error(), "database unavailable")
	})

	t.Run("rejects a ttl below one day", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(RetentionWorkflow)
		env.RegisterActivity(&RetentionActivities{Cleaner: &fakeCleaner{}})

		env.ExecuteWorkflow(RetentionWorkflow, RetentionConfig{TTLDays: 0})

		require.True(t, env.IsWorkflowCompleted())
		err := env.GetWorkflowError()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ttl_days must be >= 1")
	})
}

func TestCleanupCheckpointsActivity(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()

	cleaner := &fakeCleaner{res: checkpoint.DeleteResult{Checkpoints: 4}}
	acts := &RetentionActivities{Cleaner: cleaner}
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.CleanupCheckpointsActivity, CleanupInput{TTLDays: 14})
	require.NoError(t, err)

	var out CleanupOutput
	require.NoError(t, val.Get(&out))
	assert.Equal(t, int64(4), out.Checkpoints)
	assert.Equal(t, 14, cleaner.days)
}

func TestRetentionError(t *testing.T) {
	cause := errors.New("boom")
	err := NewRetentionError("cleanup_checkpoints", ErrorSeverityHigh, cause, "ttl=30")

	assert.Equal(t, "cleanup_checkpoints failed: boom (ttl=30)", err.Error())
	assert.ErrorIs(t, err, cause)

	var re *RetentionError
	require.True(t, errors.As(error(err), &re))
	assert.Equal(t, ErrorSeverityHigh, re.Severity)

	assert.Equal(t, "cleanup_checkpoints failed: boom", NewRetentionError("cleanup_checkpoints", ErrorSeverityLow, cause, "").Error())
}

func TestCronEvery(t *testing.T) {
	assert.Equal(t, "@every 6h0m0s", cronEvery(6*time.Hour))
	assert.Equal(t, "@every 1m0s", cronEvery(90*time.Second))
}
