package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/meritflow/internal/checkpoint"

	// DefaultCacheSize is used when no cache size is configured.
	DefaultCacheSize = 512
)

// CreateRequest describes a checkpoint to write. State is serialized to
// JSON; a json.RawMessage is stored as-is.
type CreateRequest struct {
	ThreadID         string
	EventType        EventType
	WorkflowType     string
	Phase            string
	State            any
	Metrics          PerformanceMetrics
	DebugNotes       string
	ParentCheckpoint string
}

// Service is the checkpoint API used by the orchestrator and the debugger.
// It fronts a Store with a read cache.
type Service struct {
	store     Store
	cache     *Cache
	cacheSize int
	logger    *zap.Logger
	now       func() time.Time
	closed    atomic.Bool

	tracer       trace.Tracer
	saveCounter  metric.Int64Counter
	cacheCounter metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the checkpoint timestamp source.
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

// WithCacheSize sets the read cache capacity. Zero or less disables it.
func WithCacheSize(n int) Option {
	return func(s *Service) { s.cacheSize = n }
}

// NewService creates a checkpoint service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	s := &Service{
		store:     store,
		cacheSize: DefaultCacheSize,
		logger:    zap.NewNop(),
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	s.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(s)
	}

	cache, err := NewCache(s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

func (s *Service) initMetrics(m metric.Meter) {
	var err error
	s.saveCounter, err = m.Int64Counter(
		"meritflow.checkpoint.saves_total",
		metric.WithDescription("Checkpoint writes, by event type and result"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create checkpoint save counter", zap.Error(err))
	}
	s.cacheCounter, err = m.Int64Counter(
		"meritflow.checkpoint.cache_lookups_total",
		metric.WithDescription("Checkpoint cache lookups, by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		s.logger.Warn("failed to create checkpoint cache counter", zap.Error(err))
	}
}

// Store returns the backing store.
func (s *Service) Store() Store { return s.store }

// Create writes a checkpoint and returns its metadata.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create",
		trace.WithAttributes(
			attribute.String("thread.id", req.ThreadID),
			attribute.String("checkpoint.event_type", string(req.EventType)),
		))
	defer span.End()

	rec, err := s.create(ctx, req)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("checkpoint.id", rec.ID))
	}
	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(req.EventType)),
			attribute.String("result", result),
		))
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("checkpoint created",
		zap.String("checkpoint_id", rec.ID),
		zap.String("thread_id", rec.ThreadID),
		zap.String("event_type", string(rec.EventType)),
		zap.String("phase", rec.Phase),
	)
	c := rec.Checkpoint
	return &c, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	state, err := encodeState(req.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	// Postgres stores microseconds; truncating here keeps round trips equal.
	ts := s.now().UTC().Truncate(time.Microsecond)

	if req.ParentCheckpoint != "" {
		parent, err := s.Get(ctx, req.ParentCheckpoint)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrParentNotFound, req.ParentCheckpoint)
			}
			return nil, err
		}
		if parent.Timestamp.After(ts) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, ErrParentNotBefore)
		}
	}

	rec := &Record{
		Checkpoint: Checkpoint{
			ID:                 NewID(req.ThreadID, req.EventType, ts),
			ThreadID:           req.ThreadID,
			Timestamp:          ts,
			EventType:          req.EventType,
			WorkflowType:       req.WorkflowType,
			Phase:              req.Phase,
			StateHash:          HashState(state),
			PerformanceMetrics: req.Metrics,
			DebugNotes:         req.DebugNotes,
			ParentCheckpoint:   req.ParentCheckpoint,
		},
		State: state,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.cache.Add(rec)
	return rec, nil
}

func encodeState(state any) (json.RawMessage, error) {
	switch v := state.(type) {
	case nil:
		return nil, ErrMissingState
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("state is not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// NewID derives a checkpoint id from the thread, event and timestamp. A
// random suffix keeps ids unique when two checkpoints share a timestamp.
func NewID(threadID string, event EventType, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", threadID, event, ts.UnixNano(), uuid.NewString()[:8])
}

// HashState returns the hex SHA-256 of serialized state.
func HashState(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// Get returns the full record, from the cache when possible.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.get",
		trace.WithAttributes(attribute.String("checkpoint.id", id)))
	defer span.End()

	if rec, ok := s.cache.Get(id); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		s.countLookup(ctx, "hit")
		return rec, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))
	s.countLookup(ctx, "miss")

	if s.closed.Load() {
		return nil, ErrClosed
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	s.cache.Add(rec)
	return rec, nil
}

func (s *Service) countLookup(ctx context.Context, result string) {
	if s.cacheCounter != nil {
		s.cacheCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// Metadata returns the checkpoint metadata without state.
func (s *Service) Metadata(ctx context.Context, id string) (*Checkpoint, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c := rec.Checkpoint
	return &c, nil
}

// List returns checkpoints matching q.
func (s *Service) List(ctx context.Context, q Query) ([]*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	recs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return recs, nil
}

// Latest returns the newest checkpoint for a thread, optionally restricted
// to the given event types.
func (s *Service) Latest(ctx context.Context, threadID string, types ...EventType) (*Record, error) {
	recs, err := s.List(ctx, Query{ThreadID: threadID, EventTypes: types, Limit: 1, Descending: true})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for thread %s", ErrNotFound, threadID)
	}
	s.cache.Add(recs[0])
	return recs[0], nil
}

// Cleanup deletes everything older than days and purges the cache.
func (s *Service) Cleanup(ctx context.Context, days int) (DeleteResult, error) {
	if days < 1 {
		return DeleteResult{}, fmt.Errorf("retention must be at least one day, got %d", days)
	}
	if s.closed.Load() {
		return DeleteResult{}, ErrClosed
	}
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := s.store.Delete(ctx, cutoff)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}
	s.cache.Purge()

	s.logger.Info("checkpoint cleanup complete",
		zap.Int("ttl_days", days),
		zap.Time("cutoff", cutoff),
		zap.Int64("checkpoints", res.Checkpoints),
		zap.Int64("diffs", res.Diffs),
		zap.Int64("profiles", res.Profiles),
		zap.Int64("debug_sessions", res.DebugSessions),
	)
	return res, nil
}

// SaveDiff persists a state diff.
func (s *Service) SaveDiff(ctx context.Context, d *StateDiff) error {
	return s.store.SaveDiff(ctx, d)
}

// SaveProfile persists a performance profile.
func (s *Service) SaveProfile(ctx context.Context, p *PerformanceProfile) error {
	return s.store.SaveProfile(ctx, p)
}

// SaveDebugSession inserts or updates a debug session.
func (s *Service) SaveDebugSession(ctx context.Context, ds *DebugSession) error {
	return s.store.SaveDebugSession(ctx, ds)
}

// GetDebugSession returns one debug session.
func (s *Service) GetDebugSession(ctx context.Context, id string) (*DebugSession, error) {
	return s.store.GetDebugSession(ctx, id)
}

// DebugSessions returns a thread's debug sessions, oldest first.
func (s *Service) DebugSessions(ctx context.Context, threadID string) ([]*DebugSession, error) {
	return s.store.DebugSessions(ctx, threadID)
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Close closes the store. Later calls return ErrClosed.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cache.Purge()
	return s.store.Close()
}
