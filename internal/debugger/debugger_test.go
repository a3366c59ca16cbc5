package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	dbg   *Debugger
	svc   *checkpoint.Service
	store *checkpoint.MemoryStore
	clock *fakeClock
	tt    *telemetry.TestTelemetry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
	store := checkpoint.NewMemoryStore()
	svc, err := checkpoint.NewService(store, checkpoint.WithClock(clock.Now))
	require.NoError(t, err)

	tt := telemetry.NewTestTelemetry()
	dbg, err := New(svc, Config{}, WithClock(clock.Now), WithTracer(tt.Tracer("test")))
	require.NoError(t, err)
	return &fixture{dbg: dbg, svc: svc, store: store, clock: clock, tt: tt}
}

func (f *fixture) create(t *testing.T, thread string, state any, metrics checkpoint.PerformanceMetrics) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := f.svc.Create(context.Background(), checkpoint.CreateRequest{
		ThreadID:  thread,
		EventType: checkpoint.EventPhaseComplete,
		Phase:     "execute_user_subgraph",
		State:     state,
		Metrics:   metrics,
	})
	require.NoError(t, err)
	return cp
}

func TestCompare_SameCheckpointIsEmpty(t *testing.T) {
	f := newFixture(t)
	cp := f.create(t, "s1", map[string]any{"a": 1, "b": "x"}, checkpoint.PerformanceMetrics{})

	diff, err := f.dbg.Compare(context.Background(), cp.ID, cp.ID, false)
	require.NoError(t, err)
	assert.Empty(t, diff.AddedKeys)
	assert.Empty(t, diff.RemovedKeys)
	assert.Empty(t, diff.ModifiedKeys)
	assert.True(t, diff.Empty())
	f.tt.AssertSpanExists(t, "debugger.compare")
}

func TestCompare_KeysAndValues(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "s1", map[string]any{
		"current_step": "route_task",
		"progress":     10,
		"removed":      true,
		"same":         []any{"x"},
	}, checkpoint.PerformanceMetrics{})
	f.clock.Advance(time.Second)
	b := f.create(t, "s1", map[string]any{
		"current_step": "finalize",
		"progress":     100,
		"added":        "new",
		"same":         []any{"x"},
	}, checkpoint.PerformanceMetrics{})

	diff, err := f.dbg.Compare(context.Background(), a.ID, b.ID, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"added"}, diff.AddedKeys)
	assert.Equal(t, []string{"removed"}, diff.RemovedKeys)
	assert.Equal(t, []string{"current_step", "progress"}, diff.ModifiedKeys)

	step := diff.ValueChanges["current_step"]
	assert.Equal(t, "route_task", step.Old)
	assert.Equal(t, "finalize", step.New)
	assert.NotEmpty(t, step.Delta)

	progress := diff.ValueChanges["progress"]
	assert.Equal(t, float64(10), progress.Old)
	assert.Empty(t, progress.Delta)

	require.Len(t, f.store.Diffs(), 1)
	assert.Equal(t, a.ID, f.store.Diffs()[0].CheckpointFrom)
}

func TestCompareAndProfile_CachedResultsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "s1", map[string]any{"tags": []any{"a"}, "step": 1}, checkpoint.PerformanceMetrics{
		AgentExecutionTimes: map[string]float64{"router": 1},
	})
	f.clock.Advance(time.Second)
	b := f.create(t, "s1", map[string]any{"tags": []any{"a", "b"}, "step": 2, "new": "x"}, checkpoint.PerformanceMetrics{
		AgentExecutionTimes: map[string]float64{"router": 3},
	})

	first, err := f.dbg.Compare(ctx, a.ID, b.ID, false)
	require.NoError(t, err)
	first.AddedKeys[0] = "tampered"
	first.ValueChanges["tags"].New.([]any)[0] = "tampered"
	delete(first.ValueChanges, "step")

	second, err := f.dbg.Compare(ctx, a.ID, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, second.AddedKeys)
	assert.Equal(t, []any{"a", "b"}, second.ValueChanges["tags"].New)
	assert.Contains(t, second.ValueChanges, "step")

	p1, err := f.dbg.Profile(ctx, a.ID, b.ID, false)
	require.NoError(t, err)
	p1.AgentExecutionTimes["router"] = -1
	p1.Recommendations = append(p1.Recommendations, "tampered")

	p2, err := f.dbg.Profile(ctx, a.ID, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, p2.AgentExecutionTimes["router"])
	assert.NotContains(t, p2.Recommendations, "tampered")
}

func TestCompare_NonObjectState(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "s1", json.RawMessage(`"draft one"`), checkpoint.PerformanceMetrics{})
	b := f.create(t, "s1", json.RawMessage(`"draft two"`), checkpoint.PerformanceMetrics{})

	diff, err := f.dbg.Compare(context.Background(), a.ID, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{rootKey}, diff.ModifiedKeys)
}

func TestCompare_Missing(t *testing.T) {
	f := newFixture(t)
	_, err := f.dbg.Compare(context.Background(), "nope", "nada", false)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestProfile_Bottlenecks(t *testing.T) {
	f := newFixture(t)
	start := f.create(t, "s1", map[string]int{"step": 1}, checkpoint.PerformanceMetrics{
		MemoryMB:            10,
		AgentExecutionTimes: map[string]float64{"router": 5, "user_subgraph": 0},
	})
	f.clock.Advance(12 * time.Second)
	end := f.create(t, "s1", map[string]int{"step": 2}, checkpoint.PerformanceMetrics{
		MemoryMB: 14,
		AgentExecutionTimes: map[string]float64{
			"router":        15,
			"compliance":    10,
			"user_subgraph": 9000,
			"finalize":      10,
		},
	})

	p, err := f.dbg.Profile(context.Background(), start.ID, end.ID, true)
	require.NoError(t, err)

	assert.Equal(t, 12000.0, p.DurationMs)
	assert.Equal(t, 4.0, p.MemoryUsageMB)
	assert.Equal(t, 10.0, p.AgentExecutionTimes["router"])
	assert.Equal(t, 9000.0, p.AgentExecutionTimes["user_subgraph"])
	assert.Equal(t, []string{"user_subgraph", "total_duration"}, p.Bottlenecks)
	require.Len(t, p.Recommendations, 2)
	assert.Contains(t, p.Recommendations[0], "user_subgraph")
	assert.Contains(t, p.Recommendations[1], "exceeds 10s")

	require.Len(t, f.store.Profiles(), 1)
	f.tt.AssertSpanExists(t, "debugger.profile")
}

func TestProfile_NoBottlenecks(t *testing.T) {
	f := newFixture(t)
	start := f.create(t, "s1", map[string]int{"step": 1}, checkpoint.PerformanceMetrics{})
	f.clock.Advance(2 * time.Second)
	end := f.create(t, "s1", map[string]int{"step": 2}, checkpoint.PerformanceMetrics{
		AgentExecutionTimes: map[string]float64{"router": 10, "compliance": 12},
	})

	p, err := f.dbg.Profile(context.Background(), start.ID, end.ID, false)
	require.NoError(t, err)
	assert.Empty(t, p.Bottlenecks)
	assert.Empty(t, p.Recommendations)
	assert.Empty(t, f.store.Profiles())
}

func TestProfile_InvalidRange(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "s1", map[string]int{"step": 1}, checkpoint.PerformanceMetrics{})
	f.clock.Advance(time.Second)
	b := f.create(t, "s1", map[string]int{"step": 2}, checkpoint.PerformanceMetrics{})

	_, err := f.dbg.Profile(context.Background(), b.ID, a.ID, false)
	assert.True(t, errors.Is(err, ErrInvalidRange))
}

func TestBranch(t *testing.T) {
	f := newFixture(t)
	src := f.create(t, "s1", map[string]any{"current_step": "compliance_gate_results"}, checkpoint.PerformanceMetrics{})
	f.clock.Advance(time.Second)

	_, err := f.dbg.Branch(context.Background(), src.ID, "s1", "")
	assert.ErrorIs(t, err, ErrSameThread)

	br, err := f.dbg.Branch(context.Background(), src.ID, "s1-b", "")
	require.NoError(t, err)
	assert.Equal(t, "s1-b", br.ThreadID)
	assert.Equal(t, src.ID, br.ParentCheckpoint)
	assert.Equal(t, checkpoint.EventWorkflowStart, br.EventType)
	assert.Equal(t, src.StateHash, br.StateHash)
	assert.Contains(t, br.DebugNotes, src.ID)

	gen, err := f.dbg.Branch(context.Background(), src.ID, "", "A/B variant")
	require.NoError(t, err)
	assert.Contains(t, gen.ThreadID, "branch-")
	assert.Equal(t, "A/B variant", gen.DebugNotes)

	_, err = f.dbg.Branch(context.Background(), "missing", "x", "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestBranch_RebindsSessionID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.create(t, "s1", map[string]any{"session_id": "s1", "current_step": "finalize"}, checkpoint.PerformanceMetrics{})
	f.clock.Advance(time.Second)

	br, err := f.dbg.Branch(ctx, src.ID, "s1-b", "")
	require.NoError(t, err)
	assert.NotEqual(t, src.StateHash, br.StateHash)

	replay, err := f.dbg.Replay(ctx, br.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1-b","current_step":"finalize"}`, string(replay.State))

	orig, err := f.dbg.Replay(ctx, src.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","current_step":"finalize"}`, string(orig.State))
}

func TestReplayAndBreakpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.create(t, "s1", map[string]any{"current_step": "finalize"}, checkpoint.PerformanceMetrics{})

	ds, err := f.dbg.StartSession(ctx, "s1", "", []string{"finalize", "route_task", "finalize", ""}, "checking routing")
	require.NoError(t, err)
	assert.Equal(t, "info", ds.DebugLevel)
	assert.Equal(t, []string{"finalize", "route_task"}, ds.Breakpoints)

	replay, err := f.dbg.Replay(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, replay.Checkpoint.ID)
	assert.JSONEq(t, `{"current_step":"finalize"}`, string(replay.State))
	assert.Equal(t, []string{"finalize", "route_task"}, replay.Breakpoints)

	assert.True(t, f.dbg.ShouldBreak(ctx, "s1", "route_task"))
	assert.False(t, f.dbg.ShouldBreak(ctx, "s1", "init"))
	assert.False(t, f.dbg.ShouldBreak(ctx, "other", "route_task"))

	f.clock.Advance(time.Minute)
	ended, err := f.dbg.EndSession(ctx, ds.SessionID, "done")
	require.NoError(t, err)
	require.NotNil(t, ended.EndTime)
	assert.Equal(t, "done", ended.SessionNotes)
	assert.False(t, f.dbg.ShouldBreak(ctx, "s1", "route_task"))

	_, err = f.dbg.EndSession(ctx, ds.SessionID, "")
	assert.ErrorIs(t, err, ErrSessionEnded)

	_, err = f.dbg.Replay(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestTimeline(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "s1", map[string]int{"n": 1}, checkpoint.PerformanceMetrics{})
	f.clock.Advance(time.Second)
	b := f.create(t, "s1", map[string]int{"n": 2}, checkpoint.PerformanceMetrics{})

	tl, err := f.dbg.Timeline(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.Equal(t, a.ID, tl[0].CheckpointID)
	assert.Equal(t, b.ID, tl[1].CheckpointID)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "s1", map[string]int{"n": 1}, checkpoint.PerformanceMetrics{})
	_, err := f.dbg.Compare(context.Background(), a.ID, a.ID, false)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	res, err := f.dbg.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Checkpoints)
	assert.Zero(t, f.dbg.diffs.Len())

	_, err = f.dbg.Compare(context.Background(), a.ID, a.ID, false)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestCleanup_KeepsActiveDebugSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.dbg.StartSession(ctx, "s1", "", []string{"finalize"}, "")
	require.NoError(t, err)
	ended, err := f.dbg.StartSession(ctx, "s2", "", []string{"finalize"}, "")
	require.NoError(t, err)
	_, err = f.dbg.EndSession(ctx, ended.SessionID, "done")
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	res, err := f.dbg.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DebugSessions)

	assert.True(t, f.dbg.ShouldBreak(ctx, "s1", "finalize"))
	_, err = f.store.GetDebugSession(ctx, active.SessionID)
	assert.NoError(t, err)
	_, err = f.store.GetDebugSession(ctx, ended.SessionID)
	assert.ErrorIs(t, err, checkpoint.ErrSessionNotFound)
}
