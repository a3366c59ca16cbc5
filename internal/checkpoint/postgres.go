package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists checkpoints in Postgres. Writes rely on row-level
// locking, so any number of processes may share one database.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, owned: true}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure checkpoint schema: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close does not close it.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the checkpoint tables if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_metadata (
    checkpoint_id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    event_type TEXT NOT NULL,
    workflow_type TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL DEFAULT '',
    state_hash TEXT NOT NULL,
    performance_metrics JSONB NOT NULL DEFAULT '{}'::jsonb,
    debug_notes TEXT NOT NULL DEFAULT '',
    parent_checkpoint TEXT REFERENCES checkpoint_metadata (checkpoint_id) ON DELETE SET NULL,
    state JSONB NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoint_metadata_thread ON checkpoint_metadata (thread_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoint_metadata_timestamp ON checkpoint_metadata (timestamp);`,
		`CREATE TABLE IF NOT EXISTS state_diffs (
    id BIGSERIAL PRIMARY KEY,
    checkpoint_from TEXT NOT NULL REFERENCES checkpoint_metadata (checkpoint_id) ON DELETE CASCADE,
    checkpoint_to TEXT NOT NULL REFERENCES checkpoint_metadata (checkpoint_id) ON DELETE CASCADE,
    added_keys JSONB NOT NULL,
    removed_keys JSONB NOT NULL,
    modified_keys JSONB NOT NULL,
    value_changes JSONB NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS performance_profiles (
    id BIGSERIAL PRIMARY KEY,
    start_checkpoint TEXT NOT NULL REFERENCES checkpoint_metadata (checkpoint_id) ON DELETE CASCADE,
    end_checkpoint TEXT NOT NULL REFERENCES checkpoint_metadata (checkpoint_id) ON DELETE CASCADE,
    duration_ms DOUBLE PRECISION NOT NULL,
    memory_usage_mb DOUBLE PRECISION NOT NULL,
    agent_execution_times JSONB NOT NULL,
    bottlenecks JSONB NOT NULL,
    recommendations JSONB NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS debug_sessions (
    session_id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ,
    debug_level TEXT NOT NULL DEFAULT '',
    breakpoints JSONB NOT NULL,
    session_notes TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS idx_debug_sessions_thread ON debug_sessions (thread_id, start_time);`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	metrics, err := json.Marshal(rec.PerformanceMetrics)
	if err != nil {
		return fmt.Errorf("failed to encode performance metrics: %w", err)
	}

	var parent any
	if rec.ParentCheckpoint != "" {
		parent = rec.ParentCheckpoint
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO checkpoint_metadata (
    checkpoint_id, thread_id, timestamp, event_type, workflow_type, phase,
    state_hash, performance_metrics, debug_notes, parent_checkpoint, state
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11::jsonb)
`,
		rec.ID,
		rec.ThreadID,
		rec.Timestamp,
		string(rec.EventType),
		rec.WorkflowType,
		rec.Phase,
		rec.StateHash,
		metrics,
		rec.DebugNotes,
		parent,
		[]byte(rec.State),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
			case "23503":
				return fmt.Errorf("%w: %s", ErrParentNotFound, rec.ParentCheckpoint)
			}
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

const selectCheckpoint = `
SELECT checkpoint_id, thread_id, timestamp, event_type, workflow_type, phase,
       state_hash, performance_metrics, debug_notes, COALESCE(parent_checkpoint, ''), state
FROM checkpoint_metadata`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec       Record
		eventType string
		metrics   []byte
		state     []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ThreadID,
		&rec.Timestamp,
		&eventType,
		&rec.WorkflowType,
		&rec.Phase,
		&rec.StateHash,
		&metrics,
		&rec.DebugNotes,
		&rec.ParentCheckpoint,
		&state,
	); err != nil {
		return nil, err
	}
	rec.EventType = EventType(eventType)
	rec.State = json.RawMessage(state)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &rec.PerformanceMetrics); err != nil {
			return nil, fmt.Errorf("failed to decode performance metrics: %w", err)
		}
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectCheckpoint+` WHERE checkpoint_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.ThreadID != "" {
		where = append(where, "thread_id = "+arg(q.ThreadID))
	}
	if len(q.EventTypes) > 0 {
		types := make([]string, len(q.EventTypes))
		for i, et := range q.EventTypes {
			types[i] = string(et)
		}
		where = append(where, "event_type = ANY("+arg(types)+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= "+arg(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp < "+arg(q.Until))
	}

	var sb strings.Builder
	sb.WriteString(selectCheckpoint)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if q.Descending {
		sb.WriteString(" ORDER BY timestamp DESC, checkpoint_id DESC")
	} else {
		sb.WriteString(" ORDER BY timestamp ASC, checkpoint_id ASC")
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(q.Limit))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// Delete removes expired rows in one transaction. Diffs and profiles that
// reference a deleted checkpoint go with it through ON DELETE CASCADE.
func (s *PostgresStore) Delete(ctx context.Context, olderThan time.Time) (DeleteResult, error) {
	var res DeleteResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	steps := []struct {
		stmt string
		n    *int64
	}{
		{`DELETE FROM state_diffs WHERE timestamp < $1 OR checkpoint_from IN (SELECT checkpoint_id FROM checkpoint_metadata WHERE timestamp < $1) OR checkpoint_to IN (SELECT checkpoint_id FROM checkpoint_metadata WHERE timestamp < $1)`, &res.Diffs},
		{`DELETE FROM performance_profiles WHERE timestamp < $1 OR start_checkpoint IN (SELECT checkpoint_id FROM checkpoint_metadata WHERE timestamp < $1) OR end_checkpoint IN (SELECT checkpoint_id FROM checkpoint_metadata WHERE timestamp < $1)`, &res.Profiles},
		{`DELETE FROM checkpoint_metadata WHERE timestamp < $1`, &res.Checkpoints},
		{`DELETE FROM debug_sessions WHERE end_time IS NOT NULL AND end_time < $1`, &res.DebugSessions},
	}
	for _, step := range steps {
		tag, err := tx.Exec(ctx, step.stmt, olderThan)
		if err != nil {
			return DeleteResult{}, fmt.Errorf("failed to delete expired rows: %w", err)
		}
		*step.n = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return DeleteResult{}, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) SaveDiff(ctx context.Context, d *StateDiff) error {
	added, _ := json.Marshal(nonNil(d.AddedKeys))
	removed, _ := json.Marshal(nonNil(d.RemovedKeys))
	modified, _ := json.Marshal(nonNil(d.ModifiedKeys))
	changes, err := json.Marshal(d.ValueChanges)
	if err != nil {
		return fmt.Errorf("failed to encode value changes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO state_diffs (checkpoint_from, checkpoint_to, added_keys, removed_keys, modified_keys, value_changes, timestamp)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6::jsonb, $7)
`, d.CheckpointFrom, d.CheckpointTo, added, removed, modified, changes, d.Timestamp)
	return wrapFKError(err, "state diff")
}

func (s *PostgresStore) SaveProfile(ctx context.Context, p *PerformanceProfile) error {
	agents, err := json.Marshal(p.AgentExecutionTimes)
	if err != nil {
		return fmt.Errorf("failed to encode agent execution times: %w", err)
	}
	bottlenecks, _ := json.Marshal(nonNil(p.Bottlenecks))
	recs, _ := json.Marshal(nonNil(p.Recommendations))

	_, err = s.pool.Exec(ctx, `
INSERT INTO performance_profiles (start_checkpoint, end_checkpoint, duration_ms, memory_usage_mb, agent_execution_times, bottlenecks, recommendations, timestamp)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8)
`, p.StartCheckpoint, p.EndCheckpoint, p.DurationMs, p.MemoryUsageMB, agents, bottlenecks, recs, p.Timestamp)
	return wrapFKError(err, "performance profile")
}

func wrapFKError(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s references a missing checkpoint", ErrNotFound, what)
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *PostgresStore) SaveDebugSession(ctx context.Context, ds *DebugSession) error {
	if ds.SessionID == "" || ds.ThreadID == "" {
		return fmt.Errorf("debug session requires session and thread ids")
	}
	breakpoints, _ := json.Marshal(nonNil(ds.Breakpoints))

	_, err := s.pool.Exec(ctx, `
INSERT INTO debug_sessions (session_id, thread_id, start_time, end_time, debug_level, breakpoints, session_notes)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
ON CONFLICT (session_id) DO UPDATE SET
    end_time = EXCLUDED.end_time,
    debug_level = EXCLUDED.debug_level,
    breakpoints = EXCLUDED.breakpoints,
    session_notes = EXCLUDED.session_notes
`, ds.SessionID, ds.ThreadID, ds.StartTime, ds.EndTime, ds.DebugLevel, breakpoints, ds.SessionNotes)
	if err != nil {
		return fmt.Errorf("failed to save debug session: %w", err)
	}
	return nil
}

const selectDebugSession = `
SELECT session_id, thread_id, start_time, end_time, debug_level, breakpoints, session_notes
FROM debug_sessions`

func scanDebugSession(row pgx.Row) (*DebugSession, error) {
	var (
		ds          DebugSession
		breakpoints []byte
	)
	if err := row.Scan(&ds.SessionID, &ds.ThreadID, &ds.StartTime, &ds.EndTime, &ds.DebugLevel, &breakpoints, &ds.SessionNotes); err != nil {
		return nil, err
	}
	if len(breakpoints) > 0 {
		if err := json.Unmarshal(breakpoints, &ds.Breakpoints); err != nil {
			return nil, fmt.Errorf("failed to decode breakpoints: %w", err)
		}
	}
	return &ds, nil
}

func (s *PostgresStore) GetDebugSession(ctx context.Context, sessionID string) (*DebugSession, error) {
	ds, err := scanDebugSession(s.pool.QueryRow(ctx, selectDebugSession+` WHERE session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get debug session: %w", err)
	}
	return ds, nil
}

func (s *PostgresStore) DebugSessions(ctx context.Context, threadID string) ([]*DebugSession, error) {
	rows, err := s.pool.Query(ctx, selectDebugSession+` WHERE thread_id = $1 ORDER BY start_time`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query debug sessions: %w", err)
	}
	defer rows.Close()

	var out []*DebugSession
	for rows.Next() {
		ds, err := scanDebugSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan debug session: %w", err)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// Close releases the pool if the store created it.
func (s *PostgresStore) Close() error {
	if s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
