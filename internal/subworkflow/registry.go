package subworkflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds one sub-workflow call.
	DefaultTimeout = 60 * time.Second

	defaultRate  = 10.0
	defaultBurst = 20
)

// Registry maps kinds to invokers and wraps every call with a timeout and a
// per-kind rate limiter.
type Registry struct {
	mu       sync.RWMutex
	invokers map[Kind]Invoker
	limiters map[Kind]*rate.Limiter

	timeout time.Duration
	rps     rate.Limit
	burst   int
	logger  *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRateLimit sets the per-kind request rate and burst.
func WithRateLimit(perSecond float64, burst int) RegistryOption {
	return func(r *Registry) {
		if perSecond > 0 {
			r.rps = rate.Limit(perSecond)
		}
		if burst > 0 {
			r.burst = burst
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		invokers: make(map[Kind]Invoker),
		limiters: make(map[Kind]*rate.Limiter),
		timeout:  DefaultTimeout,
		rps:      rate.Limit(defaultRate),
		burst:    defaultBurst,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds inv to kind, replacing any previous invoker.
func (r *Registry) Register(kind Kind, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[kind] = inv
	r.limiters[kind] = rate.NewLimiter(r.rps, r.burst)
}

// Timeout returns the per-call timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Invoke calls the invoker for kind. The call is abandoned once the timeout
// elapses even if the invoker ignores its context. A result with
// Success=false is returned together with an error wrapping ErrFailure.
func (r *Registry) Invoke(ctx context.Context, kind Kind, req Request) (*Result, error) {
	r.mu.RLock()
	inv, ok := r.invokers[kind]
	limiter := r.limiters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, kind)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s waited %s for rate limit", ErrTimeout, kind, r.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrFailure, p)}
			}
		}()
		res, err := inv.Invoke(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		r.logger.Debug("sub-workflow returned",
			zap.String("kind", string(kind)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(out.err),
		)
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, kind, r.timeout)
			}
			if errors.Is(out.err, ErrContractViolation) || errors.Is(out.err, ErrFailure) {
				return out.res, out.err
			}
			return out.res, fmt.Errorf("%w: %s: %v", ErrFailure, kind, out.err)
		}
		if err := out.res.validate(); err != nil {
			return nil, err
		}
		if !out.res.Success {
			return out.res, fmt.Errorf("%w: %s reported failure", ErrFailure, kind)
		}
		return out.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("sub-workflow timed out",
				zap.String("kind", string(kind)),
				zap.Duration("timeout", r.timeout),
			)
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, kind, r.timeout)
		}
		return nil, ctx.Err()
	}
}
