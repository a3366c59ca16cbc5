package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/meritflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one output")
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithSessionID(context.Background(), "sess_42")
	ctx = WithThreadID(ctx, "thread-a")
	ctx = WithUserID(ctx, "user@example.gov")
	ctx = WithRequestID(ctx, "req-1")

	tl.Info(ctx, "request routed", zap.String("workflow_type", "JobMatching"))

	tl.AssertLogged(t, zapcore.InfoLevel, "request routed")
	tl.AssertField(t, "request routed", "session.id", "sess_42")
	tl.AssertField(t, "request routed", "thread.id", "thread-a")
	tl.AssertField(t, "request routed", "user.id", "user@example.gov")
	tl.AssertField(t, "request routed", "request.id", "req-1")
	tl.AssertField(t, "request routed", "workflow_type", "JobMatching")
}

func TestLogger_TraceCorrelation(t *testing.T) {
	tl := NewTestLogger()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tl.Warn(ctx, "node slow")
	tl.AssertField(t, "node slow", "trace_id", sc.TraceID().String())
	tl.AssertField(t, "node slow", "trace_sampled", true)
}

func TestWithID_RejectsUnsafeValues(t *testing.T) {
	ctx := WithSessionID(context.Background(), "bad id\nwith newline")
	assert.Empty(t, SessionIDFromContext(ctx))

	ctx = WithSessionID(context.Background(), "")
	assert.Empty(t, SessionIDFromContext(ctx))
}

func TestFromContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Debug(ctx, "from context")
	tl.AssertLogged(t, zapcore.DebugLevel, "from context")

	assert.NotNil(t, FromContext(context.Background()))
}

func TestTestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "state dump")
	tl.Error(ctx, "node failed")

	tl.AssertLogged(t, TraceLevel, "state dump")
	tl.AssertLogged(t, zapcore.ErrorLevel, "node failed")
	tl.AssertNotLogged(t, zapcore.InfoLevel, "node failed")

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}
