package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Replay is the captured state at a checkpoint plus the breakpoints
// registered for its thread.
type Replay struct {
	Checkpoint  checkpoint.Checkpoint `json:"checkpoint"`
	State       json.RawMessage       `json:"state"`
	Breakpoints []string              `json:"breakpoints"`
}

// Replay loads a checkpoint for inspection. A missing id returns an error
// wrapping checkpoint.ErrNotFound.
func (d *Debugger) Replay(ctx context.Context, checkpointID string) (*Replay, error) {
	ctx, span := d.tracer.Start(ctx, "debugger.replay",
		trace.WithAttributes(attribute.String("checkpoint.id", checkpointID)))
	defer span.End()

	rec, err := d.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load checkpoint for replay: %w", err)
	}

	breakpoints, err := d.Breakpoints(ctx, rec.ThreadID)
	if err != nil {
		d.logger.Warn("failed to load breakpoints for replay",
			zap.String("thread_id", rec.ThreadID), zap.Error(err))
	}

	return &Replay{
		Checkpoint:  rec.Checkpoint,
		State:       rec.State,
		Breakpoints: breakpoints,
	}, nil
}

// TimelineEntry is one checkpoint in a thread's history.
type TimelineEntry struct {
	CheckpointID string               `json:"checkpoint_id"`
	EventType    checkpoint.EventType `json:"event_type"`
	Phase        string               `json:"phase,omitempty"`
	StateHash    string               `json:"state_hash"`
	Parent       string               `json:"parent_checkpoint,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// Timeline returns a thread's checkpoints, oldest first.
func (d *Debugger) Timeline(ctx context.Context, threadID string) ([]TimelineEntry, error) {
	recs, err := d.checkpoints.List(ctx, checkpoint.Query{ThreadID: threadID})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for thread %s: %w", threadID, err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})

	out := make([]TimelineEntry, len(recs))
	for i, r := range recs {
		out[i] = TimelineEntry{
			CheckpointID: r.ID,
			EventType:    r.EventType,
			Phase:        r.Phase,
			StateHash:    r.StateHash,
			Parent:       r.ParentCheckpoint,
			Timestamp:    r.Timestamp,
		}
	}
	return out, nil
}
