package debugger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StartSession registers breakpoints for a thread. Breakpoints name
// orchestrator nodes.
func (d *Debugger) StartSession(ctx context.Context, threadID, level string, breakpoints []string, notes string) (*checkpoint.DebugSession, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	if level == "" {
		level = "info"
	}
	ds := &checkpoint.DebugSession{
		SessionID:    "dbg-" + uuid.NewString(),
		ThreadID:     threadID,
		StartTime:    d.now().UTC(),
		DebugLevel:   level,
		Breakpoints:  dedupe(breakpoints),
		SessionNotes: notes,
	}
	if err := d.checkpoints.SaveDebugSession(ctx, ds); err != nil {
		return nil, fmt.Errorf("failed to save debug session: %w", err)
	}
	d.logger.Info("debug session started",
		zap.String("session_id", ds.SessionID),
		zap.String("thread_id", threadID),
		zap.Strings("breakpoints", ds.Breakpoints),
	)
	return ds, nil
}

// EndSession stamps the session's end time. Non-empty notes replace the
// session notes.
func (d *Debugger) EndSession(ctx context.Context, sessionID, notes string) (*checkpoint.DebugSession, error) {
	ds, err := d.checkpoints.GetDebugSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ds.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	end := d.now().UTC()
	ds.EndTime = &end
	if notes != "" {
		ds.SessionNotes = notes
	}
	if err := d.checkpoints.SaveDebugSession(ctx, ds); err != nil {
		return nil, fmt.Errorf("failed to end debug session: %w", err)
	}
	return ds, nil
}

// Breakpoints returns the union of breakpoints across a thread's active
// sessions, sorted.
func (d *Debugger) Breakpoints(ctx context.Context, threadID string) ([]string, error) {
	sessions, err := d.checkpoints.DebugSessions(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, s := range sessions {
		if s.Active() {
			all = append(all, s.Breakpoints...)
		}
	}
	return dedupe(all), nil
}

// ShouldBreak reports whether an active session on threadID has a
// breakpoint on node. Lookup errors are logged and treated as no.
func (d *Debugger) ShouldBreak(ctx context.Context, threadID, node string) bool {
	bps, err := d.Breakpoints(ctx, threadID)
	if err != nil {
		d.logger.Warn("failed to load breakpoints", zap.String("thread_id", threadID), zap.Error(err))
		return false
	}
	i := sort.SearchStrings(bps, node)
	return i < len(bps) && bps[i] == node
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
