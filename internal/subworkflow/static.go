package subworkflow

import (
	"context"
	"fmt"
	"strings"
)

// UserGuidance is the built-in user-side sub-workflow used when no remote
// endpoint is configured. It answers with structural guidance only and
// never drafts application content.
func UserGuidance() Invoker {
	return InvokerFunc(func(ctx context.Context, req Request) (*Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q := strings.ToLower(req.Query)

		var resp string
		var recs []string
		switch {
		case strings.Contains(q, "essay") || strings.Contains(q, "narrative") || strings.Contains(q, "ksa"):
			resp = "Use the STAR method: describe the Situation, the Task, the Action you took and the Result. " +
				"Draft it in your own words and keep within the 200-word limit."
			recs = []string{"Outline each STAR element in a sentence before drafting", "Quantify results where you can"}
		case strings.Contains(q, "job") || strings.Contains(q, "position") || strings.Contains(q, "match"):
			resp = "Compare the announcement's qualifications and specialized experience against your own background, " +
				"and note the grade level and closing date before applying."
			recs = []string{"Read the Qualifications section first", "Check the Who May Apply section"}
		default:
			resp = "Here is general guidance for your federal application question. Review the announcement carefully " +
				"and answer with your own experience."
		}

		return &Result{
			Success:         true,
			Response:        resp,
			Recommendations: recs,
			Warnings:        []string{},
			Metadata: map[string]any{
				"invoker":       "user_guidance",
				"workflow_type": req.Config.WorkflowType,
			},
			StreamingEvents: []map[string]any{
				{"stage": "analysis", "message": "analyzed request"},
			},
		}, nil
	})
}

// PlatformPlanner is the built-in platform-side sub-workflow. It returns a
// plan outline for development, data collection and maintenance requests.
// Plans that touch production need a maintainer's sign-off.
func PlatformPlanner() Invoker {
	return InvokerFunc(func(ctx context.Context, req Request) (*Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := &Result{
			Success: true,
			Response: fmt.Sprintf("Plan for %s: scope the change, estimate tool costs against the budget cap, "+
				"implement internally, then verify with tests.", strings.TrimSpace(req.Query)),
			Recommendations: []string{"Keep all work in-house", "Record tool purchases with their cost estimate"},
			Warnings:        []string{},
			Metadata: map[string]any{
				"invoker":       "platform_planner",
				"workflow_type": req.Config.WorkflowType,
			},
			StreamingEvents: []map[string]any{
				{"stage": "planning", "message": "drafted plan"},
			},
		}
		q := strings.ToLower(req.Query)
		if strings.Contains(q, "deploy") || strings.Contains(q, "production") {
			res.HumanReviewRequired = true
			res.HumanApprovalsNeeded = []string{"maintainer sign-off for production change"}
		}
		return res, nil
	})
}

// NewDefaultRegistry returns a registry with the given endpoints, falling
// back to the built-in invokers for empty ones.
func NewDefaultRegistry(userEndpoint, platformEndpoint string, opts ...RegistryOption) (*Registry, error) {
	r := NewRegistry(opts...)

	bind := func(kind Kind, endpoint string, fallback Invoker) error {
		if endpoint == "" {
			r.Register(kind, fallback)
			return nil
		}
		inv, err := NewHTTPInvoker(endpoint)
		if err != nil {
			return fmt.Errorf("failed to create %s invoker: %w", kind, err)
		}
		r.Register(kind, inv)
		return nil
	}

	if err := bind(KindUser, userEndpoint, UserGuidance()); err != nil {
		return nil, err
	}
	if err := bind(KindPlatform, platformEndpoint, PlatformPlanner()); err != nil {
		return nil, err
	}
	return r, nil
}
