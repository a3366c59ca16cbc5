package compliance

import (
	"fmt"
	"strings"
	"time"
)

// ViolationType identifies the policy a violation breaks.
type ViolationType string

const (
	ViolationEssayContentGeneration ViolationType = "essay_content_generation"
	ViolationWordLimit              ViolationType = "word_limit_violation"
	ViolationAIAttestation          ViolationType = "ai_attestation_violation"
	ViolationProtectedFileAccess    ViolationType = "protected_file_access"
	ViolationUSAJobsAPIMisuse       ViolationType = "usajobs_api_misuse"
	ViolationBudgetConstraint       ViolationType = "budget_constraint_violation"
)

var violationTypes = []ViolationType{
	ViolationEssayContentGeneration,
	ViolationWordLimit,
	ViolationAIAttestation,
	ViolationProtectedFileAccess,
	ViolationUSAJobsAPIMisuse,
	ViolationBudgetConstraint,
}

// ParseViolationType returns the violation type named s.
func ParseViolationType(s string) (ViolationType, error) {
	for _, t := range violationTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown violation type %q", s)
}

// Level is a violation severity. Higher values are more severe.
type Level int

const (
	LevelLow Level = iota + 1
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = map[Level]string{
	LevelLow:      "low",
	LevelMedium:   "medium",
	LevelHigh:     "high",
	LevelCritical: "critical",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if _, ok := levelNames[l]; !ok {
		return nil, fmt.Errorf("unknown violation level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for lvl, name := range levelNames {
		if name == s {
			*l = lvl
			return nil
		}
	}
	return fmt.Errorf("unknown violation level %q", text)
}

// Violation is a single detected policy breach. It is never modified after
// creation.
type Violation struct {
	Type                ViolationType  `json:"violation_type"`
	Level               Level          `json:"level"`
	Message             string         `json:"message"`
	Context             map[string]any `json:"context,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
	ActionBlocked       bool           `json:"action_blocked"`
	HumanReviewRequired bool           `json:"human_review_required"`
}

// CheckResult is the outcome of one or more checks.
type CheckResult struct {
	Passed                    bool        `json:"passed"`
	Violations                []Violation `json:"violations"`
	Warnings                  []string    `json:"warnings"`
	ActionAllowed             bool        `json:"action_allowed"`
	HumanReviewRequired       bool        `json:"human_review_required"`
	DynamicInterruptTriggered bool        `json:"dynamic_interrupt_triggered"`
}

// newResult returns a passing, allowed result.
func newResult() CheckResult {
	return CheckResult{
		Passed:        true,
		Violations:    []Violation{},
		Warnings:      []string{},
		ActionAllowed: true,
	}
}

func (r *CheckResult) addViolation(v Violation) {
	r.Violations = append(r.Violations, v)
	r.Passed = false
	if v.ActionBlocked {
		r.ActionAllowed = false
	}
	if v.HumanReviewRequired {
		r.HumanReviewRequired = true
	}
}

func (r *CheckResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge folds other into r.
func (r *CheckResult) Merge(other CheckResult) {
	r.Violations = append(r.Violations, other.Violations...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Passed = r.Passed && other.Passed
	r.ActionAllowed = r.ActionAllowed && other.ActionAllowed
	r.HumanReviewRequired = r.HumanReviewRequired || other.HumanReviewRequired
	r.DynamicInterruptTriggered = r.DynamicInterruptTriggered || other.DynamicInterruptTriggered
}

// HasLevel reports whether any violation is at level or above.
func (r CheckResult) HasLevel(level Level) bool {
	for _, v := range r.Violations {
		if v.Level >= level {
			return true
		}
	}
	return false
}

// InterruptMarkers returns one marker per Critical violation, in order.
func (r CheckResult) InterruptMarkers() []string {
	var markers []string
	for _, v := range r.Violations {
		if v.Level == LevelCritical {
			markers = append(markers, fmt.Sprintf("%s: %s", v.Type, v.Message))
		}
	}
	return markers
}

// APIRequest describes an outbound USAJobs API call.
type APIRequest struct {
	Endpoint     string            `json:"endpoint"`
	Params       map[string]string `json:"params,omitempty"`
	RequestCount int               `json:"request_count,omitempty"`
}

// Request bundles everything ComprehensiveCheck may inspect. Zero-valued
// parts skip the corresponding check.
type Request struct {
	Query        string      `json:"query"`
	Response     string      `json:"response,omitempty"`
	Action       string      `json:"action,omitempty"`
	FilePaths    []string    `json:"file_paths,omitempty"`
	API          *APIRequest `json:"api_request,omitempty"`
	CostEstimate float64     `json:"cost_estimate,omitempty"`
}
