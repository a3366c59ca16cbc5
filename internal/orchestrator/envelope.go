package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"go.uber.org/zap"
)

// envelope builds the response for a finished run.
func (s *Service) envelope(r *run) *Response {
	st := r.state

	data := map[string]any{"workflow_type": string(st.WorkflowType)}
	if res := st.SubworkflowResult; res != nil {
		data["recommendations"] = res.Recommendations
		data["subworkflow_metadata"] = res.Metadata
	}

	meta := make(map[string]any, len(st.Metadata)+4)
	for k, v := range st.Metadata {
		meta[k] = v
	}
	meta["workflow_type"] = string(st.WorkflowType)
	meta["user_id"] = st.UserID
	meta["completed_steps"] = len(st.CompletedSteps)
	if st.CompletedAt != nil {
		meta["duration_ms"] = float64(st.CompletedAt.Sub(st.StartedAt).Microseconds()) / 1000
	}

	response := st.FinalResponse
	if response == "" && !st.Success {
		response = "I couldn't complete this request."
	}

	resp := &Response{
		Success:              st.Success,
		Response:             response,
		Data:                 data,
		Metadata:             meta,
		Warnings:             append([]string{}, st.Warnings...),
		ComplianceViolations: append([]compliance.Violation{}, st.ComplianceViolations...),
		StreamingEvents:      []stream.Event{},
		HumanApprovalsNeeded: append([]string{}, st.HumanApprovalsNeeded...),
		DynamicInterrupts:    append([]string{}, st.DynamicInterruptsTriggered...),
		ProgressPercentage:   st.ProgressPercentage,
		SessionID:            st.SessionID,
	}
	if !resp.Success {
		if _, ok := meta["error"]; !ok {
			meta["error"] = "workflow failed"
		}
	}
	if st.StreamingEnabled {
		resp.StreamingEvents = append(resp.StreamingEvents, st.StreamingEvents...)
	}
	if st.DebugMode {
		times := make(map[string]float64, len(st.AgentExecutionTimes))
		for k, v := range st.AgentExecutionTimes {
			times[k] = v
		}
		resp.DebugInfo = &DebugInfo{
			Checkpoints:         append([]string{}, r.checkpoints...),
			CompletedSteps:      append([]Node{}, st.CompletedSteps...),
			AgentExecutionTimes: times,
			Breakpoints:         r.breakpointsHit,
			CheckpointFailures:  r.cpFailures,
		}
	}
	return resp
}

// failureEnvelope is returned when a request could not start.
func failureEnvelope(sessionID string, err error) *Response {
	return &Response{
		Success:              false,
		Response:             "I couldn't complete this request: " + err.Error(),
		Data:                 map[string]any{},
		Metadata:             map[string]any{"error": err.Error()},
		Warnings:             []string{},
		ComplianceViolations: []compliance.Violation{},
		StreamingEvents:      []stream.Event{},
		HumanApprovalsNeeded: []string{},
		DynamicInterrupts:    []string{},
		SessionID:            sessionID,
	}
}

// ReplayFromCheckpoint returns the state captured at checkpointID. The
// checkpoint must belong to sessionID.
func (s *Service) ReplayFromCheckpoint(ctx context.Context, sessionID, checkpointID string) *ReplayResult {
	fail := func(err error) *ReplayResult {
		s.logger.Info(ctx, "replay failed",
			zap.String("session_id", sessionID),
			zap.String("checkpoint_id", checkpointID),
			zap.Error(err))
		return &ReplayResult{Success: false, Error: err.Error(), Err: err}
	}

	var (
		cp          checkpoint.Checkpoint
		state       json.RawMessage
		breakpoints []string
	)
	if d := s.deps.Debugger; d != nil {
		rep, err := d.Replay(ctx, checkpointID)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fail(fmt.Errorf("%w: %s", ErrReplayNotFound, checkpointID))
			}
			return fail(fmt.Errorf("failed to replay checkpoint: %w", err))
		}
		cp, state, breakpoints = rep.Checkpoint, rep.State, rep.Breakpoints
	} else {
		rec, err := s.deps.Checkpoints.Get(ctx, checkpointID)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fail(fmt.Errorf("%w: %s", ErrReplayNotFound, checkpointID))
			}
			return fail(fmt.Errorf("failed to load checkpoint: %w", err))
		}
		cp, state = rec.Checkpoint, rec.State
	}

	if cp.ThreadID != sessionID {
		return fail(fmt.Errorf("%w: %s is not in session %s", ErrReplayNotFound, checkpointID, sessionID))
	}

	var decoded map[string]any
	if err := json.Unmarshal(state, &decoded); err != nil {
		decoded = map[string]any{"$": json.RawMessage(state)}
	}
	if breakpoints == nil {
		breakpoints = []string{}
	}
	return &ReplayResult{
		Success: true,
		ReplayData: map[string]any{
			"checkpoint":  cp,
			"state":       decoded,
			"breakpoints": breakpoints,
		},
	}
}
