package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id, thread string, ts time.Time, parent string) *Record {
	state := json.RawMessage(`{"current_step":"route_task","progress_percentage":10}`)
	return &Record{
		Checkpoint: Checkpoint{
			ID:               id,
			ThreadID:         thread,
			Timestamp:        ts,
			EventType:        EventPhaseComplete,
			WorkflowType:     "UserQuery",
			Phase:            "route_task",
			StateHash:        HashState(state),
			ParentCheckpoint: parent,
			PerformanceMetrics: PerformanceMetrics{
				ElapsedMs:           12.5,
				MemoryMB:            3.25,
				AgentExecutionTimes: map[string]float64{"router": 4},
			},
		},
		State: state,
	}
}

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	t.Run("put and get round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := testRecord("rt-1", "thread-rt", base, "")
		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, rec.Checkpoint.ID, got.ID)
		assert.True(t, rec.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, rec.StateHash, got.StateHash)
		assert.Equal(t, rec.PerformanceMetrics, got.PerformanceMetrics)
		assert.JSONEq(t, string(rec.State), string(got.State))
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, testRecord("dup-1", "thread-dup", base, "")))
		err := s.Put(ctx, testRecord("dup-1", "thread-dup", base, ""))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("missing parent", func(t *testing.T) {
		s := newStore(t)
		err := s.Put(context.Background(), testRecord("orphan-1", "thread-orphan", base, "nope"))
		assert.ErrorIs(t, err, ErrParentNotFound)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("query filters and orders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"q-1", "q-2", "q-3"} {
			rec := testRecord(id, "thread-q", base.Add(time.Duration(i)*time.Minute), "")
			if i == 2 {
				rec.EventType = EventWorkflowComplete
			}
			require.NoError(t, s.Put(ctx, rec))
		}
		require.NoError(t, s.Put(ctx, testRecord("other-1", "thread-other", base, "")))

		recs, err := s.Query(ctx, Query{ThreadID: "thread-q"})
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "q-1", recs[0].ID)

		recs, err = s.Query(ctx, Query{ThreadID: "thread-q", Descending: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "q-3", recs[0].ID)

		recs, err = s.Query(ctx, Query{ThreadID: "thread-q", EventTypes: []EventType{EventWorkflowComplete}})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "q-3", recs[0].ID)

		recs, err = s.Query(ctx, Query{ThreadID: "thread-q", Since: base.Add(time.Minute), Until: base.Add(2 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "q-2", recs[0].ID)
	})

	t.Run("delete cascades and detaches children", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := testRecord("del-old", "thread-del", base, "")
		child := testRecord("del-child", "thread-del", base.Add(48*time.Hour), "del-old")
		require.NoError(t, s.Put(ctx, old))
		require.NoError(t, s.Put(ctx, child))
		require.NoError(t, s.SaveDiff(ctx, &StateDiff{
			CheckpointFrom: "del-old", CheckpointTo: "del-child", Timestamp: base.Add(48 * time.Hour),
			ValueChanges: map[string]ValueChange{},
		}))
		require.NoError(t, s.SaveProfile(ctx, &PerformanceProfile{
			StartCheckpoint: "del-old", EndCheckpoint: "del-child", Timestamp: base.Add(48 * time.Hour),
			AgentExecutionTimes: map[string]float64{},
		}))
		endedOld := base.Add(time.Hour)
		endedRecent := base.Add(36 * time.Hour)
		for _, ds := range []*DebugSession{
			{SessionID: "dbg-old", ThreadID: "thread-del", StartTime: base, EndTime: &endedOld, Breakpoints: []string{"finalize"}},
			{SessionID: "dbg-active", ThreadID: "thread-del", StartTime: base, Breakpoints: []string{"finalize"}},
			{SessionID: "dbg-recent", ThreadID: "thread-del", StartTime: base, EndTime: &endedRecent, Breakpoints: []string{}},
		} {
			require.NoError(t, s.SaveDebugSession(ctx, ds))
		}

		res, err := s.Delete(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Checkpoints)
		assert.Equal(t, int64(1), res.Diffs)
		assert.Equal(t, int64(1), res.Profiles)
		assert.Equal(t, int64(1), res.DebugSessions)

		_, err = s.Get(ctx, "del-old")
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := s.Get(ctx, "del-child")
		require.NoError(t, err)
		assert.Empty(t, got.ParentCheckpoint)

		_, err = s.GetDebugSession(ctx, "dbg-old")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		active, err := s.GetDebugSession(ctx, "dbg-active")
		require.NoError(t, err, "active sessions survive cleanup")
		assert.True(t, active.Active())
		_, err = s.GetDebugSession(ctx, "dbg-recent")
		require.NoError(t, err)
	})

	t.Run("debug session upsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ds := &DebugSession{SessionID: "dbg-1", ThreadID: "thread-dbg", StartTime: base, DebugLevel: "verbose", Breakpoints: []string{"route_task"}}
		require.NoError(t, s.SaveDebugSession(ctx, ds))

		end := base.Add(time.Hour)
		ds.EndTime = &end
		ds.SessionNotes = "done"
		require.NoError(t, s.SaveDebugSession(ctx, ds))

		got, err := s.GetDebugSession(ctx, "dbg-1")
		require.NoError(t, err)
		require.NotNil(t, got.EndTime)
		assert.True(t, end.Equal(*got.EndTime))
		assert.Equal(t, "done", got.SessionNotes)
		assert.Equal(t, []string{"route_task"}, got.Breakpoints)
		assert.False(t, got.Active())

		sessions, err := s.DebugSessions(ctx, "thread-dbg")
		require.NoError(t, err)
		assert.Len(t, sessions, 1)

		_, err = s.GetDebugSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("diff requires checkpoints", func(t *testing.T) {
		s := newStore(t)
		err := s.SaveDiff(context.Background(), &StateDiff{CheckpointFrom: "x", CheckpointTo: "y", Timestamp: base})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := testRecord("copy-1", "thread-copy", time.Now().UTC(), "")
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "copy-1")
	require.NoError(t, err)
	got.PerformanceMetrics.AgentExecutionTimes["router"] = 999
	got.State[0] = '['

	again, err := s.Get(ctx, "copy-1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, again.PerformanceMetrics.AgentExecutionTimes["router"])
	assert.True(t, json.Valid(again.State))
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	s := NewMemoryStore()
	rec := testRecord("", "thread", time.Now(), "")
	err := s.Put(context.Background(), rec)
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)
	assert.Contains(t, err.Error(), ErrMissingID.Error())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MERITFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MERITFLOW_TEST_POSTGRES_DSN not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		for _, table := range []string{"state_diffs", "performance_profiles", "debug_sessions", "checkpoint_metadata"} {
			_, err := s.pool.Exec(ctx, "DELETE FROM "+table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
