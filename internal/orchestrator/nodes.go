package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"github.com/fyrsmithlabs/meritflow/internal/subworkflow"
	"go.uber.org/zap"
)

// nodeFunc runs one node and picks the outgoing edge. A returned error is
// recorded and takes the fail edge.
type nodeFunc func(ctx context.Context, r *run) (Condition, error)

func (s *Service) nodeTable() map[Node]nodeFunc {
	return map[Node]nodeFunc{
		NodeInit:                  s.initNode,
		NodeRouteTask:             s.routeTask,
		NodeRealTimeCheck:         s.realTimeCheck,
		NodeDynamicInterrupt:      s.dynamicInterrupt,
		NodeComplianceGateInitial: s.complianceGateInitial,
		NodeExecuteUser:           s.executeSubworkflow(subworkflow.KindUser),
		NodeExecutePlatform:       s.executeSubworkflow(subworkflow.KindPlatform),
		NodeStreamProgress:        s.streamProgress,
		NodeComplianceGateResults: s.complianceGateResults,
		NodeHumanReview:           s.humanReview,
		NodeFinalize:              s.finalize,
		NodeHandleError:           s.handleError,
	}
}

func (s *Service) initNode(ctx context.Context, r *run) (Condition, error) {
	input, warnings := parseCheckInput(r.state.Context)
	input.Query = r.state.Query
	r.input = input
	for _, w := range warnings {
		r.state.Warnings = append(r.state.Warnings, fmt.Sprintf("%v: %s", ErrValidation, w))
	}

	switch v := r.state.Context["require_human_review"].(type) {
	case nil:
	case bool:
		if v {
			r.state.RequireHumanReview = true
			r.state.HumanApprovalsNeeded = append(r.state.HumanApprovalsNeeded, "review requested by caller")
		}
	default:
		r.state.Warnings = append(r.state.Warnings,
			fmt.Sprintf("%v: context.require_human_review must be a boolean", ErrValidation))
	}

	if strings.TrimSpace(r.state.Query) == "" {
		r.state.Warnings = append(r.state.Warnings, fmt.Sprintf("%v: query is empty", ErrValidation))
		r.state.Metadata["skipped"] = true
		return CondSkip, nil
	}
	return CondNext, nil
}

// routeKeywords are tried in order; the first match wins.
var routeKeywords = []struct {
	workflow WorkflowType
	words    []string
}{
	{WorkflowUserQuery, []string{"essay", "narrative", "resume", "application"}},
	{WorkflowJobMatching, []string{"job", "position", "match", "vacanc"}},
	{WorkflowMeritCompliance, []string{"merit", "compliance", "attest"}},
	{WorkflowPlatformDevelopment, []string{"develop", "feature", "implement", "deploy", "refactor", "code"}},
	{WorkflowDataCollection, []string{"collect", "scrape", "ingest"}},
	{WorkflowSystemMaintenance, []string{"maintenance", "cleanup", "backup", "upgrade", "monitor"}},
}

// classify picks the workflow type for a query and reports how.
func classify(query string, reqCtx map[string]any) (WorkflowType, string, error) {
	var invalid error
	if raw, ok := reqCtx["workflow_type"]; ok {
		if s, ok := raw.(string); ok && WorkflowType(s).Valid() {
			return WorkflowType(s), "context", nil
		}
		invalid = fmt.Errorf("%w: unknown workflow_type %v, routed by query", ErrValidation, raw)
	}
	q := strings.ToLower(query)
	for _, rk := range routeKeywords {
		for _, w := range rk.words {
			if strings.Contains(q, w) {
				return rk.workflow, "keyword:" + w, invalid
			}
		}
	}
	return WorkflowUserQuery, "default", invalid
}

func (s *Service) routeTask(ctx context.Context, r *run) (Condition, error) {
	wt, reason, err := classify(r.state.Query, r.state.Context)
	if err != nil {
		r.state.Warnings = append(r.state.Warnings, err.Error())
	}
	r.state.WorkflowType = wt
	r.state.Metadata["route_reason"] = reason
	s.logger.Debug(ctx, "request routed", zap.String("workflow_type", string(wt)), zap.String("reason", reason))
	return CondNext, nil
}

func (s *Service) realTimeCheck(ctx context.Context, r *run) (Condition, error) {
	res := s.deps.Compliance.RealTimeCheck(ctx, r.state.Query, "")
	s.absorb(ctx, r, res)
	if res.DynamicInterruptTriggered {
		r.state.DynamicInterruptsTriggered = append(r.state.DynamicInterruptsTriggered, res.InterruptMarkers()...)
		return CondInterrupt, nil
	}
	return CondNext, nil
}

func (s *Service) dynamicInterrupt(ctx context.Context, r *run) (Condition, error) {
	r.state.RequireHumanReview = true
	for _, m := range r.state.DynamicInterruptsTriggered {
		r.state.HumanApprovalsNeeded = append(r.state.HumanApprovalsNeeded, "dynamic interrupt: "+m)
		s.emit(ctx, r, stream.EventDynamicInterrupt, map[string]any{"marker": m})
	}
	s.logger.Warn(ctx, "dynamic interrupt recorded",
		zap.Strings("markers", r.state.DynamicInterruptsTriggered))
	return CondNext, nil
}

func (s *Service) complianceGateInitial(ctx context.Context, r *run) (Condition, error) {
	res := s.deps.Compliance.ComprehensiveCheck(ctx, r.input)
	s.absorb(ctx, r, res)
	r.state.ActionAllowed = res.ActionAllowed
	if !res.ActionAllowed {
		r.state.Metadata["error"] = "request blocked by compliance gate"
		return CondBlocked, nil
	}
	if r.state.WorkflowType.Kind() == subworkflow.KindPlatform {
		return CondPlatform, nil
	}
	return CondUser, nil
}

func (s *Service) executeSubworkflow(kind subworkflow.Kind) nodeFunc {
	agent := string(kind) + "_subgraph"
	return func(ctx context.Context, r *run) (Condition, error) {
		r.state.ActiveAgents = append(r.state.ActiveAgents, agent)
		r.publish()
		defer func() {
			r.state.ActiveAgents = removeString(r.state.ActiveAgents, agent)
		}()

		res, err := s.deps.Subworkflows.Invoke(ctx, kind, subworkflow.Request{
			Query:   r.state.Query,
			Context: r.state.Context,
			Config: subworkflow.Config{
				SessionID:    r.state.SessionID,
				UserID:       r.state.UserID,
				WorkflowType: string(r.state.WorkflowType),
				Debug:        r.state.DebugMode,
				Streaming:    r.state.StreamingEnabled,
			},
		})
		switch {
		case errors.Is(err, subworkflow.ErrTimeout):
			r.state.Warnings = append(r.state.Warnings,
				fmt.Sprintf("%s sub-workflow timed out; continuing without its result", kind))
			s.logger.Warn(ctx, "sub-workflow timed out", zap.String("kind", string(kind)), zap.Error(err))
			return CondNext, nil
		case err != nil:
			if res != nil {
				r.state.Warnings = append(r.state.Warnings, res.Warnings...)
			}
			return CondFail, err
		}

		r.state.SubworkflowResult = res
		r.state.Warnings = append(r.state.Warnings, res.Warnings...)
		if res.HumanReviewRequired || len(res.HumanApprovalsNeeded) > 0 {
			r.state.RequireHumanReview = true
			r.state.HumanApprovalsNeeded = append(r.state.HumanApprovalsNeeded, res.HumanApprovalsNeeded...)
		}
		for _, ev := range res.StreamingEvents {
			s.emit(ctx, r, stream.EventSubworkflow, ev)
		}
		return CondNext, nil
	}
}

func (s *Service) streamProgress(ctx context.Context, r *run) (Condition, error) {
	data := map[string]any{
		"stage":           "results_ready",
		"completed_steps": len(r.state.CompletedSteps),
	}
	if res := r.state.SubworkflowResult; res != nil {
		data["recommendations"] = len(res.Recommendations)
	}
	s.emit(ctx, r, stream.EventStepStarted, data)
	return CondNext, nil
}

func (s *Service) complianceGateResults(ctx context.Context, r *run) (Condition, error) {
	in := r.input
	if res := r.state.SubworkflowResult; res != nil {
		in.Response = res.Response
	}
	res := s.deps.Compliance.ComprehensiveCheck(ctx, in)
	s.absorb(ctx, r, res)

	r.state.FinalActionAllowed = res.ActionAllowed
	switch {
	case !r.state.ActionAllowed || !r.state.FinalActionAllowed:
		r.state.Metadata["error"] = "response blocked by compliance gate"
		return CondBlocked, nil
	case r.state.RequireHumanReview || len(r.state.HumanApprovalsNeeded) > 0:
		return CondReview, nil
	}
	return CondNext, nil
}

func (s *Service) humanReview(ctx context.Context, r *run) (Condition, error) {
	r.state.RequireHumanReview = true
	r.state.HumanApprovalsNeeded = append(r.state.HumanApprovalsNeeded,
		"final response requires human review before release")
	s.emit(ctx, r, stream.EventHumanReview, map[string]any{
		"approvals_needed": len(r.state.HumanApprovalsNeeded),
	})
	for _, v := range r.state.ComplianceViolations {
		if v.Level == compliance.LevelCritical {
			r.state.Metadata["error"] = "critical compliance violation requires review"
			return CondCritical, nil
		}
	}
	return CondNext, nil
}

func (s *Service) finalize(ctx context.Context, r *run) (Condition, error) {
	var b strings.Builder
	switch {
	case r.state.SubworkflowResult != nil:
		b.WriteString(r.state.SubworkflowResult.Response)
	case r.state.Metadata["skipped"] == true:
		b.WriteString("Please provide a question or task so I can help.")
	default:
		b.WriteString("The request was processed, but no sub-workflow result is available.")
	}
	if len(r.state.Warnings) > 0 {
		b.WriteString("\n\nNotes:")
		for _, w := range r.state.Warnings {
			b.WriteString("\n- " + w)
		}
	}
	if r.state.RequireHumanReview {
		b.WriteString("\n\nThis response is pending human review.")
	}
	r.state.FinalResponse = b.String()
	r.state.Success = true
	return CondNext, nil
}

func (s *Service) handleError(ctx context.Context, r *run) (Condition, error) {
	var b strings.Builder
	b.WriteString("I couldn't complete this request.")

	var blocking []compliance.Violation
	for _, v := range r.state.ComplianceViolations {
		if v.ActionBlocked || v.Level == compliance.LevelCritical {
			blocking = append(blocking, v)
		}
	}
	if len(blocking) > 0 {
		b.WriteString("\n\nCompliance issues:")
		for _, v := range blocking {
			fmt.Fprintf(&b, "\n- [%s] %s", v.Level, v.Message)
		}
	}
	if len(r.state.AgentErrors) > 0 {
		b.WriteString("\n\nErrors:")
		for _, e := range r.state.AgentErrors {
			b.WriteString("\n- " + e)
		}
	}
	if len(r.state.Warnings) > 0 {
		b.WriteString("\n\nWarnings:")
		for _, w := range r.state.Warnings {
			b.WriteString("\n- " + w)
		}
	}

	if _, ok := r.state.Metadata["error"]; !ok {
		switch {
		case len(r.state.AgentErrors) > 0:
			r.state.Metadata["error"] = r.state.AgentErrors[0]
		default:
			r.state.Metadata["error"] = "workflow failed"
		}
	}
	r.state.FinalResponse = b.String()
	r.state.Success = false
	s.logger.Warn(ctx, "workflow ended in error",
		zap.Any("error", r.state.Metadata["error"]),
		zap.Int("agent_errors", len(r.state.AgentErrors)),
		zap.Int("blocking_violations", len(blocking)))
	return CondNext, nil
}

// absorb merges a check result into the run. Violations already seen in
// this run are skipped; warnings are emitted as they arrive.
func (s *Service) absorb(ctx context.Context, r *run, res compliance.CheckResult) {
	for _, v := range res.Violations {
		key := fmt.Sprintf("%s|%s|%v", v.Type, v.Message, v.Context["source"])
		if _, seen := r.violationKeys[key]; seen {
			continue
		}
		r.violationKeys[key] = struct{}{}
		r.state.ComplianceViolations = append(r.state.ComplianceViolations, v)
		if v.HumanReviewRequired {
			r.state.RequireHumanReview = true
		}
		s.emit(ctx, r, stream.EventComplianceWarning, map[string]any{
			"violation_type": string(v.Type),
			"level":          v.Level.String(),
			"message":        v.Message,
			"action_blocked": v.ActionBlocked,
		})
	}
	for _, w := range res.Warnings {
		r.state.Warnings = append(r.state.Warnings, w)
		s.emit(ctx, r, stream.EventComplianceWarning, map[string]any{"warning": w})
	}
}

// parseCheckInput reads the compliance inputs a caller may put in the
// request context. Malformed entries are skipped with a warning.
func parseCheckInput(c map[string]any) (compliance.Request, []string) {
	var in compliance.Request
	var warnings []string

	if v, ok := c["action"]; ok {
		if s, ok := v.(string); ok {
			in.Action = s
		} else {
			warnings = append(warnings, "context.action must be a string")
		}
	}

	if v, ok := c["file_paths"]; ok {
		switch paths := v.(type) {
		case []string:
			in.FilePaths = append(in.FilePaths, paths...)
		case []any:
			for _, p := range paths {
				if s, ok := p.(string); ok {
					in.FilePaths = append(in.FilePaths, s)
				} else {
					warnings = append(warnings, fmt.Sprintf("context.file_paths entry %v is not a string", p))
				}
			}
		default:
			warnings = append(warnings, "context.file_paths must be a list of strings")
		}
	}

	if v, ok := c["api_request"]; ok {
		if m, ok := v.(map[string]any); ok {
			api := &compliance.APIRequest{Params: map[string]string{}}
			api.Endpoint, _ = m["endpoint"].(string)
			if n, ok := number(m["request_count"]); ok {
				api.RequestCount = int(n)
			}
			if params, ok := m["params"].(map[string]any); ok {
				for k, pv := range params {
					api.Params[k] = fmt.Sprint(pv)
				}
			}
			in.API = api
		} else {
			warnings = append(warnings, "context.api_request must be an object")
		}
	}

	if v, ok := c["cost_estimate"]; ok {
		if n, ok := number(v); ok {
			in.CostEstimate = n
		} else {
			warnings = append(warnings, "context.cost_estimate must be a number")
		}
	}
	return in, warnings
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// checkpointEvent maps a terminal node to its checkpoint event.
func checkpointEvent(n Node) checkpoint.EventType {
	if n == NodeFinalize {
		return checkpoint.EventWorkflowComplete
	}
	return checkpoint.EventErrorOccurred
}
