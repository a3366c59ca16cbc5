package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/debugger"
	"github.com/fyrsmithlabs/meritflow/internal/logging"
	"github.com/fyrsmithlabs/meritflow/internal/session"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"github.com/fyrsmithlabs/meritflow/internal/subworkflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/meritflow/internal/orchestrator"

const (
	defaultExpectedSteps  = 8
	defaultMaxQueryLength = 8000
	maxSessionIDLength    = 128
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

// Config tunes the engine.
type Config struct {
	// ExpectedSteps is the step count progress is measured against.
	ExpectedSteps int
	// MaxQueryLength truncates longer queries.
	MaxQueryLength int
	// DebugDefault applies when a request leaves debug mode unset.
	DebugDefault bool
}

// Deps are the collaborators a Service drives. Debugger may be nil, which
// disables breakpoints.
type Deps struct {
	Compliance   *compliance.Engine
	Checkpoints  *checkpoint.Service
	Debugger     *debugger.Debugger
	Bus          *stream.Bus
	Subworkflows *subworkflow.Registry
}

// Service runs workflow requests. Construct one per process.
type Service struct {
	cfg   Config
	deps  Deps
	graph *graph
	nodes map[Node]nodeFunc

	sessions *session.Manager
	locks    *sessionLocks
	live     sync.Map // session id -> *run

	logger *logging.Logger
	now    func() time.Time

	tracer         trace.Tracer
	requestCounter metric.Int64Counter
	nodeDuration   metric.Float64Histogram

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithMeter sets the meter.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) { s.initMetrics(m) }
}

// New builds a Service and compiles the workflow graph.
func New(cfg Config, deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Compliance == nil:
		return nil, errors.New("compliance engine is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("checkpoint service is required")
	case deps.Bus == nil:
		return nil, errors.New("stream bus is required")
	case deps.Subworkflows == nil:
		return nil, errors.New("sub-workflow registry is required")
	}
	if cfg.ExpectedSteps <= 0 {
		cfg.ExpectedSteps = defaultExpectedSteps
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = defaultMaxQueryLength
	}

	s := &Service{
		cfg:    cfg,
		deps:   deps,
		locks:  newSessionLocks(),
		logger: logging.Nop(),
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	s.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(s)
	}

	s.nodes = s.nodeTable()
	all := make([]Node, 0, len(s.nodes))
	for n := range s.nodes {
		all = append(all, n)
	}
	g, err := compileGraph(transitions, all)
	if err != nil {
		return nil, fmt.Errorf("failed to compile workflow graph: %w", err)
	}
	s.graph = g
	s.sessions = session.NewManager(deps.Checkpoints, s, s.logger.Underlying())
	return s, nil
}

func (s *Service) initMetrics(m metric.Meter) {
	var err error
	s.requestCounter, err = m.Int64Counter(
		"meritflow.requests_total",
		metric.WithDescription("Processed requests, by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create request counter", zap.Error(err))
	}
	s.nodeDuration, err = m.Float64Histogram(
		"meritflow.node_duration_seconds",
		metric.WithDescription("Workflow node execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create node duration histogram", zap.Error(err))
	}
}

// run is the private state of one ProcessRequest call.
type run struct {
	state *WorkflowState
	snap  atomic.Pointer[session.Snapshot]

	input          compliance.Request
	violationKeys  map[string]struct{}
	lastCheckpoint string
	parentLoaded   bool
	checkpoints    []string
	breakpointsHit []string
	cpFailures     int
	started        time.Time
}

// ProcessRequest runs req to a terminal node and returns the envelope. It
// never returns nil.
func (s *Service) ProcessRequest(ctx context.Context, req Request) *Response {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return failureEnvelope(req.SessionID, ErrShuttingDown)
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	warnings := s.normalize(&req)

	ctx = logging.WithSessionID(ctx, req.SessionID)
	ctx = logging.WithThreadID(ctx, req.SessionID)
	ctx = logging.WithUserID(ctx, req.UserID)

	ctx, span := s.tracer.Start(ctx, "orchestrator.process_request",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("user.id", req.UserID),
		))
	defer span.End()

	unlock, err := s.locks.lock(ctx, req.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.countRequest(ctx, false)
		return failureEnvelope(req.SessionID, fmt.Errorf("failed to acquire session: %w", err))
	}
	defer unlock()

	r := s.newRun(req, warnings)
	s.live.Store(req.SessionID, r)
	defer s.live.Delete(req.SessionID)

	s.logger.Info(ctx, "processing request", zap.Bool("debug", r.state.DebugMode))
	s.execute(ctx, r)

	resp := s.envelope(r)
	span.SetAttributes(
		attribute.Bool("success", resp.Success),
		attribute.String("workflow_type", string(r.state.WorkflowType)),
		attribute.Int("violations", len(resp.ComplianceViolations)),
	)
	if !resp.Success {
		span.SetStatus(codes.Error, fmt.Sprint(resp.Metadata["error"]))
	}
	s.countRequest(ctx, resp.Success)
	s.logger.Info(ctx, "request complete",
		zap.Bool("success", resp.Success),
		zap.String("workflow_type", string(r.state.WorkflowType)),
		zap.Float64("progress", resp.ProgressPercentage),
		zap.Int("warnings", len(resp.Warnings)),
	)
	return resp
}

func (s *Service) countRequest(ctx context.Context, ok bool) {
	if s.requestCounter == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// normalize fixes malformed input in place and returns a warning per fix.
func (s *Service) normalize(req *Request) []string {
	var warnings []string
	invalid := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf("%v: %s", ErrValidation, fmt.Sprintf(format, args...)))
	}

	switch {
	case req.SessionID == "":
		req.SessionID = uuid.NewString()
	case len(req.SessionID) > maxSessionIDLength || !sessionIDPattern.MatchString(req.SessionID):
		invalid("session id rejected, a new session was started")
		req.SessionID = uuid.NewString()
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
		invalid("user id missing, processed as anonymous")
	}
	if len(req.Query) > s.cfg.MaxQueryLength {
		req.Query = truncateUTF8(req.Query, s.cfg.MaxQueryLength)
		invalid("query truncated to %d characters", s.cfg.MaxQueryLength)
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	return warnings
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *Service) newRun(req Request, warnings []string) *run {
	debug := s.cfg.DebugDefault
	if req.DebugMode != nil {
		debug = *req.DebugMode
	}
	now := s.now().UTC()
	st := &WorkflowState{
		SessionID:                  req.SessionID,
		UserID:                     req.UserID,
		Query:                      req.Query,
		Context:                    req.Context,
		WorkflowType:               WorkflowUserQuery,
		CurrentStep:                NodeInit,
		CompletedSteps:             []Node{},
		ComplianceViolations:       []compliance.Violation{},
		Warnings:                   append([]string{}, warnings...),
		AgentErrors:                []string{},
		HumanApprovalsNeeded:       []string{},
		DynamicInterruptsTriggered: []string{},
		StreamingEvents:            []stream.Event{},
		ActiveAgents:               []string{},
		ActionAllowed:              true,
		FinalActionAllowed:         true,
		DebugMode:                  debug,
		StreamingEnabled:           req.EnableStreaming,
		AgentExecutionTimes:        map[string]float64{},
		Metadata:                   map[string]any{},
		StartedAt:                  now,
	}
	r := &run{state: st, violationKeys: map[string]struct{}{}, started: now}
	r.publish()
	return r
}

// execute walks the graph from init to a terminal node.
func (s *Service) execute(ctx context.Context, r *run) {
	s.emit(ctx, r, stream.EventWorkflowStarted, map[string]any{
		"user_id": r.state.UserID,
		"query":   r.state.Query,
	})

	node := NodeInit
	for {
		r.state.CurrentStep = node
		r.publish()

		cond, err := s.runNode(ctx, r, node)
		if err != nil {
			s.recordAgentError(ctx, r, node, err)
			cond = CondFail
		}

		if node.Terminal() {
			if node == NodeFinalize && cond == CondFail {
				node = NodeHandleError
				continue
			}
			s.finish(ctx, r, node)
			return
		}

		s.completeStep(ctx, r, node)

		next, err := s.graph.next(node, cond)
		if err != nil {
			s.recordAgentError(ctx, r, node, err)
			next = NodeHandleError
		}
		node = next
	}
}

// runNode runs one node under a span, converting panics to errors.
func (s *Service) runNode(ctx context.Context, r *run, node Node) (cond Condition, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.node."+string(node))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("node %s panicked: %v", node, p)
		}
		elapsed := time.Since(start)
		r.state.AgentExecutionTimes[string(node)] += float64(elapsed) / float64(time.Millisecond)
		if s.nodeDuration != nil {
			s.nodeDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("node", string(node))))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("condition", string(cond)))
		span.End()
	}()

	if err := ctx.Err(); err != nil && !node.Terminal() {
		return CondFail, fmt.Errorf("request canceled before %s: %w", node, err)
	}
	return s.nodes[node](ctx, r)
}

func (s *Service) recordAgentError(ctx context.Context, r *run, node Node, err error) {
	msg := fmt.Sprintf("%s: %v", node, err)
	r.state.AgentErrors = append(r.state.AgentErrors, msg)
	r.state.Warnings = append(r.state.Warnings, msg)
	s.logger.Warn(ctx, "workflow node failed", zap.String("node", string(node)), zap.Error(err))
}

// completeStep records a finished non-terminal node.
func (s *Service) completeStep(ctx context.Context, r *run, node Node) {
	r.state.CompletedSteps = append(r.state.CompletedSteps, node)
	s.advanceProgress(r, stream.CapBeforeReview)
	s.emit(ctx, r, stream.EventStepCompleted, map[string]any{"step": string(node)})

	if r.state.DebugMode {
		et := checkpoint.EventPhaseComplete
		switch node {
		case NodeInit:
			et = checkpoint.EventWorkflowStart
		case NodeDynamicInterrupt, NodeHumanReview:
			et = checkpoint.EventHumanInterrupt
		}
		s.checkpoint(ctx, r, et, "")
		s.maybeBreak(ctx, r, node)
	}
	r.publish()
}

func (s *Service) finish(ctx context.Context, r *run, node Node) {
	r.state.CompletedSteps = append(r.state.CompletedSteps, node)
	done := s.now().UTC()
	r.state.CompletedAt = &done
	r.state.ActiveAgents = []string{}

	ev := stream.EventWorkflowCompleted
	if node == NodeFinalize {
		s.advanceProgress(r, stream.CapFinal)
	} else {
		s.advanceProgress(r, stream.CapBeforeReview)
		ev = stream.EventWorkflowFailed
	}

	s.emit(ctx, r, ev, map[string]any{
		"success":        r.state.Success,
		"final_response": r.state.FinalResponse,
	})
	s.checkpoint(ctx, r, checkpointEvent(node), fmt.Sprintf("run finished at %s", node))
	if r.state.DebugMode {
		s.maybeBreak(ctx, r, node)
	}
	r.publish()
	s.deps.Bus.Complete(r.state.SessionID)
}

// advanceProgress raises progress to the capped step ratio. It never
// lowers it.
func (s *Service) advanceProgress(r *run, cap float64) {
	p := stream.ComputeProgress(len(r.state.CompletedSteps), s.cfg.ExpectedSteps, cap)
	if p > r.state.ProgressPercentage {
		r.state.ProgressPercentage = p
	}
}

// emit publishes to the bus and appends the stored event to the state.
func (s *Service) emit(ctx context.Context, r *run, t stream.EventType, data map[string]any) {
	ev := stream.Event{
		SessionID: r.state.SessionID,
		Type:      t,
		Source:    string(r.state.CurrentStep),
		Progress:  r.state.ProgressPercentage,
		Data:      data,
	}
	stored, err := s.deps.Bus.Publish(ctx, ev)
	if err != nil {
		s.logger.Warn(ctx, "failed to publish stream event", zap.String("event_type", string(t)), zap.Error(err))
		stored = ev
		stored.Sequence = int64(len(r.state.StreamingEvents)) + 1
		stored.Timestamp = s.now().UTC()
	}
	r.state.StreamingEvents = append(r.state.StreamingEvents, stored)
}

// checkpoint writes a checkpoint of the current state. Failures are logged
// and counted; the run continues.
func (s *Service) checkpoint(ctx context.Context, r *run, et checkpoint.EventType, notes string) {
	if !r.parentLoaded {
		r.parentLoaded = true
		if prev, err := s.deps.Checkpoints.Latest(ctx, r.state.SessionID); err == nil {
			r.lastCheckpoint = prev.ID
		}
	}

	cp, err := s.deps.Checkpoints.Create(ctx, checkpoint.CreateRequest{
		ThreadID:         r.state.SessionID,
		EventType:        et,
		WorkflowType:     string(r.state.WorkflowType),
		Phase:            string(r.state.CurrentStep),
		State:            r.state,
		Metrics:          checkpoint.CaptureMetrics(r.started, s.now(), r.state.AgentExecutionTimes),
		DebugNotes:       notes,
		ParentCheckpoint: r.lastCheckpoint,
	})
	if err != nil {
		r.cpFailures++
		s.logger.Warn(ctx, "checkpoint write failed",
			zap.String("event_type", string(et)),
			zap.String("step", string(r.state.CurrentStep)),
			zap.Error(err))
		return
	}
	r.lastCheckpoint = cp.ID
	r.checkpoints = append(r.checkpoints, cp.ID)
}

func (s *Service) maybeBreak(ctx context.Context, r *run, node Node) {
	if s.deps.Debugger == nil || !s.deps.Debugger.ShouldBreak(ctx, r.state.SessionID, string(node)) {
		return
	}
	r.breakpointsHit = append(r.breakpointsHit, string(node))
	s.checkpoint(ctx, r, checkpoint.EventDebugBreakpoint, fmt.Sprintf("breakpoint at %s", node))
	s.logger.Debug(ctx, "breakpoint hit", zap.String("node", string(node)))
}

// publish stores a read-only snapshot for live status queries.
func (r *run) publish() {
	st := r.state
	steps := make([]string, len(st.CompletedSteps))
	for i, n := range st.CompletedSteps {
		steps[i] = string(n)
	}
	r.snap.Store(&session.Snapshot{
		SessionID:            st.SessionID,
		UserID:               st.UserID,
		Query:                st.Query,
		WorkflowType:         string(st.WorkflowType),
		CurrentStep:          string(st.CurrentStep),
		CompletedSteps:       steps,
		ProgressPercentage:   st.ProgressPercentage,
		ComplianceViolations: append([]compliance.Violation(nil), st.ComplianceViolations...),
		Warnings:             append([]string(nil), st.Warnings...),
		StreamingEvents:      append([]stream.Event(nil), st.StreamingEvents...),
		ActiveAgents:         append([]string(nil), st.ActiveAgents...),
		RequireHumanReview:   st.RequireHumanReview,
		FinalResponse:        st.FinalResponse,
		Success:              st.Success,
		StartedAt:            st.StartedAt,
		CompletedAt:          st.CompletedAt,
	})
}

// Live implements session.LiveSource.
func (s *Service) Live(sessionID string) (*session.Snapshot, bool) {
	v, ok := s.live.Load(sessionID)
	if !ok {
		return nil, false
	}
	snap := v.(*run).snap.Load()
	return snap, snap != nil
}

// GetSessionHistory returns the conversation history of a session.
func (s *Service) GetSessionHistory(ctx context.Context, sessionID string, includeEvents bool) (*session.History, error) {
	return s.sessions.History(ctx, sessionID, includeEvents)
}

// GetRealTimeStatus returns the current status of a session.
func (s *Service) GetRealTimeStatus(ctx context.Context, sessionID string) (*session.Status, error) {
	return s.sessions.Status(ctx, sessionID)
}

// Shutdown stops accepting requests, waits for in-flight runs until ctx
// ends, then closes the bus and the checkpoint service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("in-flight requests did not finish: %w", ctx.Err()))
	}

	if err := s.deps.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stream bus: %w", err))
	}
	if err := s.deps.Checkpoints.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close checkpoint service: %w", err))
	}
	return errors.Join(errs...)
}

// sessionLocks serializes runs per session.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// lock blocks until the session is free or ctx ends.
func (l *sessionLocks) lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}

	select {
	case sl.ch <- struct{}{}:
		return func() {
			<-sl.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
