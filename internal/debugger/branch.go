package debugger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// rebindSession points an object state's session_id at the branch thread.
// Other states are copied unchanged.
func rebindSession(state json.RawMessage, threadID string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(state, &obj); err != nil || obj == nil {
		return state
	}
	if _, ok := obj["session_id"]; !ok {
		return state
	}
	obj["session_id"], _ = json.Marshal(threadID)
	out, err := json.Marshal(obj)
	if err != nil {
		return state
	}
	return out
}

// Branch copies a checkpoint's state into a new thread as a WorkflowStart
// checkpoint whose parent is the source. An empty newThreadID gets a
// generated one.
func (d *Debugger) Branch(ctx context.Context, checkpointID, newThreadID, notes string) (*checkpoint.Checkpoint, error) {
	ctx, span := d.tracer.Start(ctx, "debugger.branch",
		trace.WithAttributes(attribute.String("checkpoint.id", checkpointID)))
	defer span.End()

	src, err := d.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load branch source: %w", err)
	}

	if newThreadID == "" {
		newThreadID = "branch-" + uuid.NewString()
	}
	if newThreadID == src.ThreadID {
		span.SetStatus(codes.Error, ErrSameThread.Error())
		return nil, ErrSameThread
	}
	if notes == "" {
		notes = fmt.Sprintf("branched from %s (thread %s)", src.ID, src.ThreadID)
	}

	cp, err := d.checkpoints.Create(ctx, checkpoint.CreateRequest{
		ThreadID:         newThreadID,
		EventType:        checkpoint.EventWorkflowStart,
		WorkflowType:     src.WorkflowType,
		Phase:            src.Phase,
		State:            rebindSession(src.State, newThreadID),
		Metrics:          src.PerformanceMetrics,
		DebugNotes:       notes,
		ParentCheckpoint: src.ID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create branch checkpoint: %w", err)
	}
	span.SetAttributes(attribute.String("branch.thread_id", newThreadID))

	d.logger.Info("checkpoint branched",
		zap.String("source_checkpoint", src.ID),
		zap.String("source_thread", src.ThreadID),
		zap.String("branch_thread", newThreadID),
		zap.String("branch_checkpoint", cp.ID),
	)
	return cp, nil
}
