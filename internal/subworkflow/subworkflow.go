// Package subworkflow is the boundary between the orchestrator and the
// external sub-workflows that do domain analysis.
//
// Every sub-workflow is called with a query, context and config and must
// answer with a Result. Anything else is a contract violation. Calls go
// through a Registry, which applies a per-call timeout and a rate limit.
package subworkflow

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a sub-workflow slot.
type Kind string

const (
	// KindUser serves user-side requests (UserQuery, JobMatching,
	// MeritCompliance).
	KindUser Kind = "user"
	// KindPlatform serves platform-side requests (PlatformDevelopment,
	// DataCollection, SystemMaintenance).
	KindPlatform Kind = "platform"
)

var (
	ErrNotRegistered     = errors.New("sub-workflow not registered")
	ErrTimeout           = errors.New("sub-workflow timed out")
	ErrContractViolation = errors.New("sub-workflow contract violation")
	ErrFailure           = errors.New("sub-workflow failed")
	ErrRateLimited       = errors.New("sub-workflow rate limit wait failed")
)

// Config is passed through to the sub-workflow.
type Config struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	WorkflowType string `json:"workflow_type"`
	Debug        bool   `json:"debug"`
	Streaming    bool   `json:"streaming"`
}

// Request is the input envelope.
type Request struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
	Config  Config         `json:"config"`
}

// Result is the only accepted response shape.
type Result struct {
	Success         bool             `json:"success"`
	Response        string           `json:"response"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Warnings        []string         `json:"warnings"`
	Metadata        map[string]any   `json:"metadata"`
	StreamingEvents []map[string]any `json:"streaming_events"`

	// HumanReviewRequired holds the result for human sign-off before
	// release. HumanApprovalsNeeded names what must be approved.
	HumanReviewRequired  bool     `json:"human_review_required,omitempty"`
	HumanApprovalsNeeded []string `json:"human_approvals_needed,omitempty"`
}

// Invoker runs one sub-workflow.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// validate checks an in-process result.
func (r *Result) validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil result", ErrContractViolation)
	}
	if !r.Success && r.Response == "" && len(r.Warnings) == 0 {
		return fmt.Errorf("%w: failed result carries no response or warnings", ErrContractViolation)
	}
	return nil
}
