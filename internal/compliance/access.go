package compliance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	writeVerbs = regexp.MustCompile(`(?i)\b(modify|modifies|modifying|edit|edits|editing|write|writes|writing|overwrite|delete|deletes|deleting|remove|update|updates|updating|change|replace|rename|move|upload|alter|append|truncate|save|create)\b`)
	readVerbs  = regexp.MustCompile(`(?i)\b(read|reads|reading|view|open|analy[sz]e|analy[sz]ing|analysis|inspect|review|scan|parse|list|download|check|summari[sz]e)\b`)

	externalDevelopment = regexp.MustCompile(`(?i)\b(hire|hiring|contractors?|freelanc(e|er|ers|ing)|outsourc(e|ing)|consultants?|agency|staff augmentation|pay (an? |external )?(developers?|engineers?))\b`)

	singleLookupKeys = []string{"job_id", "jobid", "controlnumber", "control_number", "positionid", "position_id"}
	pageSizeKeys     = []string{"resultsperpage", "results_per_page", "limit", "page_size", "pagesize"}
)

// isProtected reports whether path matches any protected pattern. Matching
// is a case-insensitive substring test.
func (e *Engine) isProtected(path string) (string, bool) {
	lower := strings.ToLower(path)
	for _, p := range e.cfg.ProtectedPaths {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// CheckProtectedFileAccess blocks write access to protected applicant files.
// Reads of protected files, and protected access with a verb that is neither
// read nor write, pass with a warning. Write verbs win when both appear.
func (e *Engine) CheckProtectedFileAccess(_ context.Context, action string, paths []string) CheckResult {
	result := newResult()

	isWrite := writeVerbs.MatchString(action)
	isRead := readVerbs.MatchString(action)

	for _, path := range paths {
		pattern, ok := e.isProtected(path)
		if !ok {
			continue
		}
		switch {
		case isWrite:
			result.addViolation(e.violation(
				ViolationProtectedFileAccess, LevelHigh,
				fmt.Sprintf("write access to protected file %s", path),
				true, true,
				map[string]any{"path": path, "pattern": pattern, "action": action},
			))
		case isRead:
			result.warn("read-only access to protected file %s; do not retain or alter its contents", path)
		default:
			result.warn("unclassified action %q on protected file %s", action, path)
		}
	}

	return result
}

// CheckUSAJobsAPI checks an outbound USAJobs API call. fields=full on a bulk
// or large-page request is blocked; on anything else it warns. A request
// count above the rate threshold warns.
func (e *Engine) CheckUSAJobsAPI(_ context.Context, req APIRequest) CheckResult {
	result := newResult()

	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		params[strings.ToLower(k)] = v
	}

	if strings.EqualFold(params["fields"], "full") {
		pageSize := 0
		for _, k := range pageSizeKeys {
			if n, err := strconv.Atoi(params[k]); err == nil && n > pageSize {
				pageSize = n
			}
		}
		bulk := pageSize > e.cfg.BulkLimitThreshold ||
			strings.EqualFold(params["bulk"], "true") ||
			strings.Contains(strings.ToLower(req.Endpoint), "bulk") ||
			strings.Contains(strings.ToLower(req.Endpoint), "export")

		single := false
		for _, k := range singleLookupKeys {
			if params[k] != "" {
				single = true
				break
			}
		}

		switch {
		case bulk:
			result.addViolation(e.violation(
				ViolationUSAJobsAPIMisuse, LevelHigh,
				"fields=full combined with a bulk request",
				true, true,
				map[string]any{"endpoint": req.Endpoint, "page_size": pageSize},
			))
		case single:
			result.warn("fields=full on single-record lookup %s; request only the fields needed", req.Endpoint)
		default:
			result.warn("fields=full on %s returns large payloads; prefer the default field set", req.Endpoint)
		}
	}

	if req.RequestCount > e.cfg.RequestRateThreshold {
		result.warn("request count %d exceeds the rate threshold of %d per window",
			req.RequestCount, e.cfg.RequestRateThreshold)
	}

	return result
}

// CheckBudgetConstraints blocks any action paying for external development
// regardless of amount, and any tool cost above the cap.
func (e *Engine) CheckBudgetConstraints(_ context.Context, action string, cost float64) CheckResult {
	result := newResult()

	if m := externalDevelopment.FindString(action); m != "" {
		result.addViolation(e.violation(
			ViolationBudgetConstraint, LevelCritical,
			"external development spending is not permitted",
			true, true,
			map[string]any{"action": action, "cost_estimate": cost, "match": m},
		))
		return result
	}

	switch {
	case cost < 0:
		result.warn("invalid negative cost estimate %.2f", cost)
	case cost > e.cfg.ToolCostCap:
		result.addViolation(e.violation(
			ViolationBudgetConstraint, LevelHigh,
			fmt.Sprintf("cost estimate $%.2f exceeds the $%.2f per-tool cap", cost, e.cfg.ToolCostCap),
			true, true,
			map[string]any{"action": action, "cost_estimate": cost, "cap": e.cfg.ToolCostCap},
		))
	}

	return result
}
