package compliance

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/meritflow/internal/compliance"

// Config holds the thresholds the checks apply.
type Config struct {
	WordLimit            int
	ProtectedPaths       []string
	RequestRateThreshold int
	BulkLimitThreshold   int
	ToolCostCap          float64
	// ReviewOnly lists violation types that escalate to human review
	// instead of blocking the action.
	ReviewOnly []ViolationType
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		WordLimit:            200,
		ProtectedPaths:       []string{"/users/data/", "resume", "application", "cover_letter", "transcript"},
		RequestRateThreshold: 100,
		BulkLimitThreshold:   100,
		ToolCostCap:          100,
	}
}

// Engine runs compliance checks. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	tracer           trace.Tracer
	violationCounter metric.Int64Counter

	wordLimit  wordLimitPatterns
	reviewOnly map[ViolationType]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the violation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMeter sets the meter used for violation counters.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.initMetrics(m) }
}

// NewEngine creates an engine. Zero-valued thresholds in cfg take their
// defaults.
func NewEngine(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.WordLimit <= 0 {
		cfg.WordLimit = def.WordLimit
	}
	if len(cfg.ProtectedPaths) == 0 {
		cfg.ProtectedPaths = def.ProtectedPaths
	}
	if cfg.RequestRateThreshold <= 0 {
		cfg.RequestRateThreshold = def.RequestRateThreshold
	}
	if cfg.BulkLimitThreshold <= 0 {
		cfg.BulkLimitThreshold = def.BulkLimitThreshold
	}
	if cfg.ToolCostCap <= 0 {
		cfg.ToolCostCap = def.ToolCostCap
	}

	e := &Engine{
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
		wordLimit:  newWordLimitPatterns(cfg.WordLimit),
		reviewOnly: make(map[ViolationType]bool, len(cfg.ReviewOnly)),
	}
	for _, t := range cfg.ReviewOnly {
		e.reviewOnly[t] = true
	}
	e.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) initMetrics(m metric.Meter) {
	var err error
	e.violationCounter, err = m.Int64Counter(
		"meritflow.violations_total",
		metric.WithDescription("Compliance violations detected, by level"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create violation counter", zap.Error(err))
	}
}

// Config returns the thresholds in effect.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) violation(t ViolationType, level Level, msg string, blocked, review bool, ctxData map[string]any) Violation {
	if blocked && e.reviewOnly[t] {
		blocked, review = false, true
	}
	return Violation{
		Type:                t,
		Level:               level,
		Message:             msg,
		Context:             ctxData,
		Timestamp:           e.now().UTC(),
		ActionBlocked:       blocked,
		HumanReviewRequired: review,
	}
}

// ComprehensiveCheck runs every check the request has input for and merges
// the results. Text checks always run; file, API and budget checks run only
// when the request carries paths, an API call, or an action/cost.
func (e *Engine) ComprehensiveCheck(ctx context.Context, req Request) CheckResult {
	ctx, span := e.tracer.Start(ctx, "compliance.comprehensive_check")
	defer span.End()

	result := newResult()
	result.Merge(e.CheckEssayContent(ctx, req.Query, req.Response))
	result.Merge(e.CheckWordLimit(ctx, req.Query, req.Response))
	result.Merge(e.CheckAIAttestation(ctx, req.Query, req.Response))

	if len(req.FilePaths) > 0 {
		result.Merge(e.CheckProtectedFileAccess(ctx, req.Action, req.FilePaths))
	}
	if req.API != nil {
		result.Merge(e.CheckUSAJobsAPI(ctx, *req.API))
	}
	if req.Action != "" || req.CostEstimate != 0 {
		result.Merge(e.CheckBudgetConstraints(ctx, req.Action, req.CostEstimate))
	}

	result.DynamicInterruptTriggered = result.HasLevel(LevelCritical)

	span.SetAttributes(
		attribute.Bool("compliance.passed", result.Passed),
		attribute.Bool("compliance.action_allowed", result.ActionAllowed),
		attribute.Int("compliance.violations", len(result.Violations)),
		attribute.Int("compliance.warnings", len(result.Warnings)),
	)
	e.record(ctx, result)

	return result
}

// RealTimeCheck runs the text checks against in-flight content. Any Critical
// match triggers a dynamic interrupt.
func (e *Engine) RealTimeCheck(ctx context.Context, query, content string) CheckResult {
	result := newResult()
	result.Merge(e.CheckEssayContent(ctx, query, content))
	result.Merge(e.CheckAIAttestation(ctx, query, content))
	result.Merge(e.CheckWordLimit(ctx, query, content))

	if result.HasLevel(LevelCritical) {
		result.DynamicInterruptTriggered = true
		e.logger.Warn("dynamic interrupt triggered",
			zap.Strings("markers", result.InterruptMarkers()))
	}
	e.record(ctx, result)
	return result
}

func (e *Engine) record(ctx context.Context, result CheckResult) {
	if e.violationCounter == nil {
		return
	}
	for _, v := range result.Violations {
		e.violationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("level", v.Level.String()),
			attribute.String("type", string(v.Type)),
		))
	}
}
