package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It is the default backend and the
// one used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	diffs    []*StateDiff
	profiles []*PerformanceProfile
	sessions map[string]*DebugSession
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		sessions: make(map[string]*DebugSession),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	if rec.ParentCheckpoint != "" {
		if _, ok := m.records[rec.ParentCheckpoint]; !ok {
			return fmt.Errorf("%w: %s", ErrParentNotFound, rec.ParentCheckpoint)
		}
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]*Record, error) {
	m.mu.RLock()
	out := make([]*Record, 0)
	for _, rec := range m.records {
		if q.matches(&rec.Checkpoint) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if q.Descending {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		if q.Descending {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, olderThan time.Time) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res DeleteResult
	for id, rec := range m.records {
		if rec.Timestamp.Before(olderThan) {
			delete(m.records, id)
			res.Checkpoints++
		}
	}
	for _, rec := range m.records {
		if rec.ParentCheckpoint != "" {
			if _, ok := m.records[rec.ParentCheckpoint]; !ok {
				rec.ParentCheckpoint = ""
			}
		}
	}

	diffs := m.diffs[:0]
	for _, d := range m.diffs {
		_, fromOK := m.records[d.CheckpointFrom]
		_, toOK := m.records[d.CheckpointTo]
		if d.Timestamp.Before(olderThan) || !fromOK || !toOK {
			res.Diffs++
			continue
		}
		diffs = append(diffs, d)
	}
	m.diffs = diffs

	profiles := m.profiles[:0]
	for _, p := range m.profiles {
		_, startOK := m.records[p.StartCheckpoint]
		_, endOK := m.records[p.EndCheckpoint]
		if p.Timestamp.Before(olderThan) || !startOK || !endOK {
			res.Profiles++
			continue
		}
		profiles = append(profiles, p)
	}
	m.profiles = profiles

	// Active sessions are kept however old; ended ones age from EndTime.
	for id, s := range m.sessions {
		if s.EndTime != nil && s.EndTime.Before(olderThan) {
			delete(m.sessions, id)
			res.DebugSessions++
		}
	}

	return res, nil
}

func (m *MemoryStore) SaveDiff(_ context.Context, diff *StateDiff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(diff.CheckpointFrom, diff.CheckpointTo); err != nil {
		return err
	}
	m.diffs = append(m.diffs, diff.Clone())
	return nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, profile *PerformanceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(profile.StartCheckpoint, profile.EndCheckpoint); err != nil {
		return err
	}
	m.profiles = append(m.profiles, profile.Clone())
	return nil
}

func (m *MemoryStore) requireLocked(ids ...string) error {
	for _, id := range ids {
		if _, ok := m.records[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	return nil
}

// Diffs returns the stored diffs.
func (m *MemoryStore) Diffs() []*StateDiff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*StateDiff(nil), m.diffs...)
}

// Profiles returns the stored profiles.
func (m *MemoryStore) Profiles() []*PerformanceProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*PerformanceProfile(nil), m.profiles...)
}

func (m *MemoryStore) SaveDebugSession(_ context.Context, session *DebugSession) error {
	if session.SessionID == "" || session.ThreadID == "" {
		return fmt.Errorf("debug session requires session and thread ids")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	s.Breakpoints = append([]string(nil), session.Breakpoints...)
	m.sessions[s.SessionID] = &s
	return nil
}

func (m *MemoryStore) GetDebugSession(_ context.Context, sessionID string) (*DebugSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) DebugSessions(_ context.Context, threadID string) ([]*DebugSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DebugSession
	for _, s := range m.sessions {
		if s.ThreadID == threadID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
