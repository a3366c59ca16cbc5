// Package http serves the meritflow API over echo.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/debugger"
	"github.com/fyrsmithlabs/meritflow/internal/orchestrator"
	"github.com/fyrsmithlabs/meritflow/internal/session"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Orchestrator runs requests and answers session queries.
type Orchestrator interface {
	ProcessRequest(ctx context.Context, req orchestrator.Request) *orchestrator.Response
	GetSessionHistory(ctx context.Context, sessionID string, includeEvents bool) (*session.History, error)
	GetRealTimeStatus(ctx context.Context, sessionID string) (*session.Status, error)
	ReplayFromCheckpoint(ctx context.Context, sessionID, checkpointID string) *orchestrator.ReplayResult
}

// Debugger exposes checkpoint inspection.
type Debugger interface {
	Compare(ctx context.Context, fromID, toID string, persist bool) (*checkpoint.StateDiff, error)
	Profile(ctx context.Context, startID, endID string, persist bool) (*checkpoint.PerformanceProfile, error)
	Branch(ctx context.Context, checkpointID, newThreadID, notes string) (*checkpoint.Checkpoint, error)
	Timeline(ctx context.Context, threadID string) ([]debugger.TimelineEntry, error)
	StartSession(ctx context.Context, threadID, level string, breakpoints []string, notes string) (*checkpoint.DebugSession, error)
	EndSession(ctx context.Context, sessionID, notes string) (*checkpoint.DebugSession, error)
}

// ComplianceChecker runs the full compliance gate.
type ComplianceChecker interface {
	ComprehensiveCheck(ctx context.Context, req compliance.Request) compliance.CheckResult
}

// EventSource opens per-session event subscriptions.
type EventSource interface {
	Subscribe(sessionID string) *stream.Subscription
	SubscribeKnown(sessionID string) (*stream.Subscription, bool)
}

// Deps are the services the API fronts.
type Deps struct {
	Orchestrator Orchestrator
	Debugger     Debugger
	Compliance   ComplianceChecker
	Events       EventSource
}

// Server provides HTTP endpoints for meritflow.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// SSEKeepAlive is the comment interval on idle event streams.
	SSEKeepAlive time.Duration
	// Meter overrides the global meter for request metrics.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if deps.Debugger == nil || deps.Compliance == nil || deps.Events == nil {
		return nil, fmt.Errorf("debugger, compliance and event source are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.SSEKeepAlive <= 0 {
		cfg.SSEKeepAlive = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewHTTPMetrics(logger, cfg.Meter)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
				err = nil
			}
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/requests", s.handleProcessRequest)

	v1.GET("/sessions/:id/history", s.handleHistory)
	v1.GET("/sessions/:id/status", s.handleStatus)
	v1.GET("/sessions/:id/events", s.handleEvents)
	v1.GET("/sessions/:id/timeline", s.handleTimeline)
	v1.POST("/sessions/:id/replay/:checkpoint_id", s.handleReplay)

	v1.GET("/checkpoints/:from/diff/:to", s.handleDiff)
	v1.GET("/checkpoints/:from/profile/:to", s.handleProfile)
	v1.POST("/checkpoints/:id/branch", s.handleBranch)

	v1.POST("/compliance/check", s.handleComplianceCheck)

	v1.POST("/debug/sessions", s.handleStartDebugSession)
	v1.DELETE("/debug/sessions/:id", s.handleEndDebugSession)
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
