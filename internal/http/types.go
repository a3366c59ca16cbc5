package http

import (
	"github.com/fyrsmithlabs/meritflow/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ProcessRequestBody is the request body for POST /api/v1/requests.
type ProcessRequestBody struct {
	UserID          string         `json:"user_id"`
	Query           string         `json:"query"`
	SessionID       string         `json:"session_id,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	EnableStreaming bool           `json:"enable_streaming"`
	DebugMode       *bool          `json:"debug_mode,omitempty"`
}

func (b ProcessRequestBody) request() orchestrator.Request {
	return orchestrator.Request{
		UserID:          b.UserID,
		Query:           b.Query,
		SessionID:       b.SessionID,
		Context:         b.Context,
		EnableStreaming: b.EnableStreaming,
		DebugMode:       b.DebugMode,
	}
}

// BranchRequest is the request body for POST /api/v1/checkpoints/:id/branch.
type BranchRequest struct {
	ThreadID string `json:"thread_id"`
	Notes    string `json:"notes,omitempty"`
}

// DebugSessionRequest is the request body for POST /api/v1/debug/sessions.
type DebugSessionRequest struct {
	ThreadID    string   `json:"thread_id"`
	Level       string   `json:"debug_level,omitempty"`
	Breakpoints []string `json:"breakpoints,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// EndDebugSessionRequest is the optional body for DELETE /api/v1/debug/sessions/:id.
type EndDebugSessionRequest struct {
	Notes string `json:"notes,omitempty"`
}
