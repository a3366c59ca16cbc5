// Package session answers history and status queries for a session.
//
// It is a read-only projection: finished runs are read from their terminal
// checkpoints, and in-flight runs from a LiveSource supplied by the
// orchestrator.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"go.uber.org/zap"
)

// ErrNotFound is returned for a session with no live run and no
// checkpoints.
var ErrNotFound = errors.New("session not found")

// Snapshot is the subset of workflow state the projections read. Its JSON
// form matches the state stored in checkpoints.
type Snapshot struct {
	SessionID            string                 `json:"session_id"`
	UserID               string                 `json:"user_id"`
	Query                string                 `json:"query"`
	WorkflowType         string                 `json:"workflow_type"`
	CurrentStep          string                 `json:"current_step"`
	CompletedSteps       []string               `json:"completed_steps"`
	ProgressPercentage   float64                `json:"progress_percentage"`
	ComplianceViolations []compliance.Violation `json:"compliance_violations"`
	Warnings             []string               `json:"warnings"`
	StreamingEvents      []stream.Event         `json:"streaming_events"`
	ActiveAgents         []string               `json:"active_agents"`
	RequireHumanReview   bool                   `json:"require_human_review"`
	FinalResponse        string                 `json:"final_response"`
	Success              bool                   `json:"success"`
	StartedAt            time.Time              `json:"started_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
}

// LiveSource returns the snapshot of an in-flight run.
type LiveSource interface {
	Live(sessionID string) (*Snapshot, bool)
}

// Turn is one entry in a conversation.
type Turn struct {
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
}

// History is the answer to a history query.
type History struct {
	SessionID            string                 `json:"session_id"`
	ConversationHistory  []Turn                 `json:"conversation_history"`
	CurrentProgress      float64                `json:"current_progress"`
	CurrentStep          string                 `json:"current_step"`
	Warnings             []string               `json:"warnings"`
	StreamingEvents      []stream.Event         `json:"streaming_events,omitempty"`
	ComplianceViolations []compliance.Violation `json:"compliance_violations,omitempty"`
}

// Status is the answer to a real-time status query.
type Status struct {
	SessionID                 string   `json:"session_id"`
	CurrentStep               string   `json:"current_step"`
	ProgressPercentage        float64  `json:"progress_percentage"`
	CompletedSteps            []string `json:"completed_steps"`
	ActiveAgents              []string `json:"active_agents"`
	WarningsCount             int      `json:"warnings_count"`
	ComplianceViolationsCount int      `json:"compliance_violations_count"`
	HumanReviewRequired       bool     `json:"human_review_required"`
	Running                   bool     `json:"running"`
}

// Manager serves history and status queries.
type Manager struct {
	checkpoints *checkpoint.Service
	live        LiveSource
	logger      *zap.Logger
}

// NewManager creates a manager. live may be nil.
func NewManager(checkpoints *checkpoint.Service, live LiveSource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkpoints: checkpoints, live: live, logger: logger}
}

// SetLiveSource replaces the live source.
func (m *Manager) SetLiveSource(live LiveSource) { m.live = live }

var terminalEvents = []checkpoint.EventType{checkpoint.EventWorkflowComplete, checkpoint.EventErrorOccurred}

// History returns the conversation for sessionID, one user and one
// assistant turn per finished run, oldest first. The current step, progress
// and warnings come from the live run if there is one, else from the last
// finished run. With detailed set, events and violations of that run are
// included.
func (m *Manager) History(ctx context.Context, sessionID string, detailed bool) (*History, error) {
	runs, err := m.checkpoints.List(ctx, checkpoint.Query{ThreadID: sessionID, EventTypes: terminalEvents})
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	h := &History{
		SessionID:           sessionID,
		ConversationHistory: []Turn{},
		Warnings:            []string{},
	}

	var last *Snapshot
	for _, rec := range runs {
		snap, err := decode(rec)
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint",
				zap.String("checkpoint_id", rec.ID), zap.Error(err))
			continue
		}
		h.ConversationHistory = append(h.ConversationHistory,
			Turn{Role: "user", Content: snap.Query, Timestamp: snap.StartedAt, CheckpointID: rec.ID},
			Turn{Role: "assistant", Content: snap.FinalResponse, Timestamp: rec.Timestamp, CheckpointID: rec.ID},
		)
		last = snap
	}

	current := last
	if live, ok := m.liveSnapshot(sessionID); ok {
		current = live
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	h.CurrentProgress = current.ProgressPercentage
	h.CurrentStep = current.CurrentStep
	h.Warnings = append(h.Warnings, current.Warnings...)
	if detailed {
		h.StreamingEvents = append([]stream.Event{}, current.StreamingEvents...)
		h.ComplianceViolations = append([]compliance.Violation{}, current.ComplianceViolations...)
	}
	return h, nil
}

// Status returns the live status of sessionID, or the status of its most
// recent checkpoint when nothing is running.
func (m *Manager) Status(ctx context.Context, sessionID string) (*Status, error) {
	if live, ok := m.liveSnapshot(sessionID); ok {
		st := statusOf(live)
		st.Running = true
		return st, nil
	}

	rec, err := m.checkpoints.Latest(ctx, sessionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session status: %w", err)
	}
	snap, err := decode(rec)
	if err != nil {
		return nil, err
	}
	st := statusOf(snap)
	st.ActiveAgents = []string{}
	return st, nil
}

func (m *Manager) liveSnapshot(sessionID string) (*Snapshot, bool) {
	if m.live == nil {
		return nil, false
	}
	return m.live.Live(sessionID)
}

func statusOf(s *Snapshot) *Status {
	return &Status{
		SessionID:                 s.SessionID,
		CurrentStep:               s.CurrentStep,
		ProgressPercentage:        s.ProgressPercentage,
		CompletedSteps:            nonNil(s.CompletedSteps),
		ActiveAgents:              nonNil(s.ActiveAgents),
		WarningsCount:             len(s.Warnings),
		ComplianceViolationsCount: len(s.ComplianceViolations),
		HumanReviewRequired:       s.RequireHumanReview,
	}
}

func decode(rec *checkpoint.Record) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(rec.State, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", rec.ID, err)
	}
	return &snap, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
