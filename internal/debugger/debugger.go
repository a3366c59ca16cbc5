package debugger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/meritflow/internal/debugger"

var (
	// ErrSameThread is returned when a branch targets its source thread.
	ErrSameThread = errors.New("branch must target a different thread")
	// ErrInvalidRange is returned when a profile's end precedes its start.
	ErrInvalidRange = errors.New("end checkpoint precedes start checkpoint")
	// ErrSessionEnded is returned when ending a session twice.
	ErrSessionEnded = errors.New("debug session already ended")
)

// Config tunes bottleneck detection.
type Config struct {
	// BottleneckFactor flags an agent whose time exceeds this multiple of
	// the mean agent time.
	BottleneckFactor float64
	// DurationThreshold flags a window longer than this.
	DurationThreshold time.Duration
	// CacheSize bounds the diff and profile caches.
	CacheSize int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		BottleneckFactor:  2,
		DurationThreshold: 10 * time.Second,
		CacheSize:         128,
	}
}

// Debugger implements time-travel debugging over a checkpoint service.
type Debugger struct {
	checkpoints *checkpoint.Service
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
	tracer      trace.Tracer

	diffs    *lru.Cache[string, *checkpoint.StateDiff]
	profiles *lru.Cache[string, *checkpoint.PerformanceProfile]
}

// Option configures a Debugger.
type Option func(*Debugger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Debugger) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the timestamp source for derived artifacts.
func WithClock(now func() time.Time) Option {
	return func(d *Debugger) { d.now = now }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Debugger) { d.tracer = t }
}

// New creates a debugger. Zero fields in cfg take their defaults.
func New(checkpoints *checkpoint.Service, cfg Config, opts ...Option) (*Debugger, error) {
	if checkpoints == nil {
		return nil, errors.New("checkpoint service is required")
	}
	def := DefaultConfig()
	if cfg.BottleneckFactor <= 0 {
		cfg.BottleneckFactor = def.BottleneckFactor
	}
	if cfg.DurationThreshold <= 0 {
		cfg.DurationThreshold = def.DurationThreshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	d := &Debugger{
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      zap.NewNop(),
		now:         time.Now,
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	if d.diffs, err = lru.New[string, *checkpoint.StateDiff](cfg.CacheSize); err != nil {
		return nil, fmt.Errorf("failed to create diff cache: %w", err)
	}
	if d.profiles, err = lru.New[string, *checkpoint.PerformanceProfile](cfg.CacheSize); err != nil {
		return nil, fmt.Errorf("failed to create profile cache: %w", err)
	}
	return d, nil
}

func pairKey(a, b string) string { return a + "\x00" + b }

// Cleanup deletes checkpoints, diffs and profiles older than days, and
// debug sessions that ended before then.
func (d *Debugger) Cleanup(ctx context.Context, days int) (checkpoint.DeleteResult, error) {
	res, err := d.checkpoints.Cleanup(ctx, days)
	if err != nil {
		return res, err
	}
	d.diffs.Purge()
	d.profiles.Purge()
	return res, nil
}
