package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore, *telemetry.TestTelemetry) {
	t.Helper()
	tt := telemetry.NewTestTelemetry()
	clock := &stepClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	base := []Option{
		WithClock(clock.Now),
		WithTracer(tt.Tracer("test")),
		WithMeter(tt.Meter("test")),
	}
	svc, err := NewService(store, append(base, opts...)...)
	require.NoError(t, err)
	return svc, store, tt
}

func TestService_CreateMetadataRoundTrip(t *testing.T) {
	svc, _, tt := newTestService(t)
	ctx := context.Background()

	metrics := PerformanceMetrics{ElapsedMs: 42, MemoryMB: 8, AgentExecutionTimes: map[string]float64{"router": 3}}
	created, err := svc.Create(ctx, CreateRequest{
		ThreadID:     "session-1",
		EventType:    EventWorkflowStart,
		WorkflowType: "UserQuery",
		Phase:        "init",
		State:        map[string]any{"current_step": "init", "progress_percentage": 0},
		Metrics:      metrics,
		DebugNotes:   "start",
	})
	require.NoError(t, err)
	assert.Contains(t, created.ID, "session-1:WorkflowStart:")

	got, err := svc.Metadata(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, *created, *got)
	assert.Equal(t, metrics, got.PerformanceMetrics)

	tt.AssertSpanExists(t, "checkpoint.create")
	tt.AssertSpanAttribute(t, "checkpoint.create", "thread.id", "session-1")
	assert.Equal(t, int64(1), tt.CounterValue(t, "meritflow.checkpoint.saves_total",
		attribute.String("event_type", "WorkflowStart"), attribute.String("result", "ok")))
}

func TestService_RoundTripThroughStore(t *testing.T) {
	svc, _, _ := newTestService(t, WithCacheSize(0))
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]int{"a": 1}})
	require.NoError(t, err)

	got, err := svc.Metadata(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, *created, *got)
}

func TestService_StateHashTracksState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]any{"x": 1, "y": "z"}})
	require.NoError(t, err)
	b, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]any{"y": "z", "x": 1}})
	require.NoError(t, err)
	c, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]any{"x": 2, "y": "z"}})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.StateHash, b.StateHash)
	assert.NotEqual(t, a.StateHash, c.StateHash)
}

func TestService_ParentValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]int{}, ParentCheckpoint: "missing"})
	assert.ErrorIs(t, err, ErrParentNotFound)

	root, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventWorkflowStart, State: map[string]int{}})
	require.NoError(t, err)
	child, err := svc.Create(ctx, CreateRequest{ThreadID: "branch", EventType: EventWorkflowStart, State: map[string]int{}, ParentCheckpoint: root.ID})
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.ParentCheckpoint)
	assert.True(t, child.Timestamp.After(root.Timestamp))
}

func TestService_RejectsBadInput(t *testing.T) {
	svc, _, tt := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete})
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)

	_, err = svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: "Bogus", State: map[string]int{}})
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)

	_, err = svc.Create(ctx, CreateRequest{EventType: EventPhaseComplete, State: map[string]int{}})
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)

	_, err = svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)

	assert.Equal(t, int64(4), tt.CounterValue(t, "meritflow.checkpoint.saves_total", attribute.String("result", "error")))
}

func TestService_GetUsesCache(t *testing.T) {
	svc, store, tt := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]int{"a": 1}})
	require.NoError(t, err)

	// Remove from the store behind the cache's back.
	_, err = store.Delete(ctx, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	rec, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, rec.ID)

	hits, _ := svc.cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), tt.CounterValue(t, "meritflow.checkpoint.cache_lookups_total", attribute.String("result", "hit")))

	_, err = svc.Get(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_LatestAndList(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Latest(ctx, "s")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, et := range []EventType{EventWorkflowStart, EventPhaseComplete, EventWorkflowComplete} {
		_, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: et, State: map[string]string{"event": string(et)}})
		require.NoError(t, err)
	}

	latest, err := svc.Latest(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, EventWorkflowComplete, latest.EventType)

	start, err := svc.Latest(ctx, "s", EventWorkflowStart)
	require.NoError(t, err)
	assert.Equal(t, EventWorkflowStart, start.EventType)

	all, err := svc.List(ctx, Query{ThreadID: "s"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestService_Cleanup(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	current := now.Add(-40 * 24 * time.Hour)
	svc, _, _ := newTestService(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	old, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventWorkflowComplete, State: map[string]int{}})
	require.NoError(t, err)

	current = now
	fresh, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventWorkflowComplete, State: map[string]int{}})
	require.NoError(t, err)

	_, err = svc.Cleanup(ctx, 0)
	assert.Error(t, err)

	res, err := svc.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Checkpoints)
	assert.Zero(t, svc.cache.Len())

	_, err = svc.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestService_Closed(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.Create(context.Background(), CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]int{}})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestService_ConcurrentCreates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Create(ctx, CreateRequest{ThreadID: "s", EventType: EventPhaseComplete, State: map[string]int{"i": i}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := svc.List(ctx, Query{ThreadID: "s"})
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestCaptureMetrics(t *testing.T) {
	start := time.Now()
	m := CaptureMetrics(start, start.Add(1500*time.Millisecond), map[string]float64{"router": 2})
	assert.InDelta(t, 1500, m.ElapsedMs, 0.001)
	assert.Greater(t, m.MemoryMB, 0.0)
	assert.Equal(t, 2.0, m.AgentExecutionTimes["router"])
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil)
	assert.Error(t, err)
}
