package orchestrator

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"github.com/fyrsmithlabs/meritflow/internal/subworkflow"
)

var (
	// ErrValidation marks malformed input. It degrades the run with a
	// warning instead of failing it.
	ErrValidation = errors.New("invalid request")
	// ErrReplayNotFound is returned when a replay names an unknown
	// checkpoint or one from another session.
	ErrReplayNotFound = errors.New("replay checkpoint not found")
	// ErrShuttingDown is reported once Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// WorkflowType classifies a request.
type WorkflowType string

const (
	WorkflowUserQuery           WorkflowType = "UserQuery"
	WorkflowPlatformDevelopment WorkflowType = "PlatformDevelopment"
	WorkflowDataCollection      WorkflowType = "DataCollection"
	WorkflowMeritCompliance     WorkflowType = "MeritCompliance"
	WorkflowJobMatching         WorkflowType = "JobMatching"
	WorkflowSystemMaintenance   WorkflowType = "SystemMaintenance"
)

// Valid reports whether w is a known workflow type.
func (w WorkflowType) Valid() bool {
	switch w {
	case WorkflowUserQuery, WorkflowPlatformDevelopment, WorkflowDataCollection,
		WorkflowMeritCompliance, WorkflowJobMatching, WorkflowSystemMaintenance:
		return true
	}
	return false
}

// Kind returns the sub-workflow that serves w.
func (w WorkflowType) Kind() subworkflow.Kind {
	switch w {
	case WorkflowPlatformDevelopment, WorkflowDataCollection, WorkflowSystemMaintenance:
		return subworkflow.KindPlatform
	}
	return subworkflow.KindUser
}

// Node names a state in the workflow graph.
type Node string

const (
	NodeInit                  Node = "init"
	NodeRouteTask             Node = "route_task"
	NodeRealTimeCheck         Node = "real_time_compliance_check"
	NodeDynamicInterrupt      Node = "dynamic_interrupt_handler"
	NodeComplianceGateInitial Node = "compliance_gate_initial"
	NodeExecuteUser           Node = "execute_user_subgraph"
	NodeExecutePlatform       Node = "execute_platform_subgraph"
	NodeStreamProgress        Node = "stream_progress"
	NodeComplianceGateResults Node = "compliance_gate_results"
	NodeHumanReview           Node = "human_review_checkpoint"
	NodeFinalize              Node = "finalize"
	NodeHandleError           Node = "handle_error"
)

// Terminal reports whether n ends a run.
func (n Node) Terminal() bool {
	return n == NodeFinalize || n == NodeHandleError
}

// Request is the input to ProcessRequest.
type Request struct {
	UserID          string         `json:"user_id"`
	Query           string         `json:"query"`
	SessionID       string         `json:"session_id,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	EnableStreaming bool           `json:"enable_streaming"`
	DebugMode       *bool          `json:"debug_mode,omitempty"`
}

// WorkflowState is the state of one run. Slices are append-only for the
// life of the run.
type WorkflowState struct {
	SessionID                  string                 `json:"session_id"`
	UserID                     string                 `json:"user_id"`
	Query                      string                 `json:"query"`
	Context                    map[string]any         `json:"context,omitempty"`
	WorkflowType               WorkflowType           `json:"workflow_type"`
	CurrentStep                Node                   `json:"current_step"`
	CompletedSteps             []Node                 `json:"completed_steps"`
	ProgressPercentage         float64                `json:"progress_percentage"`
	ComplianceViolations       []compliance.Violation `json:"compliance_violations"`
	Warnings                   []string               `json:"warnings"`
	AgentErrors                []string               `json:"agent_errors"`
	HumanApprovalsNeeded       []string               `json:"human_approvals_needed"`
	DynamicInterruptsTriggered []string               `json:"dynamic_interrupts_triggered"`
	StreamingEvents            []stream.Event         `json:"streaming_events"`
	ActiveAgents               []string               `json:"active_agents"`
	RequireHumanReview         bool                   `json:"require_human_review"`
	ActionAllowed              bool                   `json:"action_allowed"`
	FinalActionAllowed         bool                   `json:"final_action_allowed"`
	SubworkflowResult          *subworkflow.Result    `json:"subworkflow_result,omitempty"`
	FinalResponse              string                 `json:"final_response"`
	Success                    bool                   `json:"success"`
	DebugMode                  bool                   `json:"debug_mode"`
	StreamingEnabled           bool                   `json:"streaming_enabled"`
	AgentExecutionTimes        map[string]float64     `json:"agent_execution_times"`
	Metadata                   map[string]any         `json:"metadata"`
	StartedAt                  time.Time              `json:"started_at"`
	CompletedAt                *time.Time             `json:"completed_at,omitempty"`
}

// Response is the envelope returned by ProcessRequest. It is always
// well-formed; failures set Success=false and Metadata["error"].
type Response struct {
	Success              bool                   `json:"success"`
	Response             string                 `json:"response"`
	Data                 map[string]any         `json:"data"`
	Metadata             map[string]any         `json:"metadata"`
	Warnings             []string               `json:"warnings"`
	ComplianceViolations []compliance.Violation `json:"compliance_violations"`
	StreamingEvents      []stream.Event         `json:"streaming_events"`
	HumanApprovalsNeeded []string               `json:"human_approvals_needed"`
	DynamicInterrupts    []string               `json:"dynamic_interrupts"`
	ProgressPercentage   float64                `json:"progress_percentage"`
	DebugInfo            *DebugInfo             `json:"debug_info,omitempty"`
	SessionID            string                 `json:"session_id"`
}

// DebugInfo is attached to responses of debug-mode runs.
type DebugInfo struct {
	Checkpoints         []string           `json:"checkpoints"`
	CompletedSteps      []Node             `json:"completed_steps"`
	AgentExecutionTimes map[string]float64 `json:"agent_execution_times"`
	Breakpoints         []string           `json:"breakpoints_hit,omitempty"`
	CheckpointFailures  int                `json:"checkpoint_failures,omitempty"`
}

// ReplayResult is returned by ReplayFromCheckpoint.
type ReplayResult struct {
	Success    bool           `json:"success"`
	ReplayData map[string]any `json:"replay_data,omitempty"`
	Error      string         `json:"error,omitempty"`

	// Err is the failure behind Error, for errors.Is checks.
	Err error `json:"-"`
}
