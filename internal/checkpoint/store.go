package checkpoint

import (
	"context"
	"time"
)

// Store persists checkpoints and the derived debugger tables.
//
// Implementations serialize concurrent writes and allow concurrent reads.
// Put rejects a record whose parent is not already stored.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Query(ctx context.Context, q Query) ([]*Record, error)
	// Delete removes checkpoints, diffs and profiles created before
	// olderThan, and debug sessions that ended before it. Active debug
	// sessions are never removed. Surviving children of a deleted parent
	// keep no parent reference.
	Delete(ctx context.Context, olderThan time.Time) (DeleteResult, error)

	SaveDiff(ctx context.Context, diff *StateDiff) error
	SaveProfile(ctx context.Context, profile *PerformanceProfile) error
	SaveDebugSession(ctx context.Context, session *DebugSession) error
	GetDebugSession(ctx context.Context, sessionID string) (*DebugSession, error)
	DebugSessions(ctx context.Context, threadID string) ([]*DebugSession, error)

	Close() error
}
