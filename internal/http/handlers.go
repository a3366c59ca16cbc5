package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"github.com/fyrsmithlabs/meritflow/internal/compliance"
	"github.com/fyrsmithlabs/meritflow/internal/debugger"
	"github.com/fyrsmithlabs/meritflow/internal/orchestrator"
	"github.com/fyrsmithlabs/meritflow/internal/session"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleProcessRequest(c echo.Context) error {
	var body ProcessRequestBody
	if err := c.Bind(&body); err != nil {
		s.logger.Warn("invalid process request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp := s.deps.Orchestrator.ProcessRequest(c.Request().Context(), body.request())
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c echo.Context) error {
	events, _ := strconv.ParseBool(c.QueryParam("events"))
	h, err := s.deps.Orchestrator.GetSessionHistory(c.Request().Context(), c.Param("id"), events)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.deps.Orchestrator.GetRealTimeStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleTimeline(c echo.Context) error {
	entries, err := s.deps.Debugger.Timeline(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleReplay(c echo.Context) error {
	res := s.deps.Orchestrator.ReplayFromCheckpoint(c.Request().Context(), c.Param("id"), c.Param("checkpoint_id"))
	if !res.Success {
		if errors.Is(res.Err, orchestrator.ErrReplayNotFound) {
			return c.JSON(http.StatusNotFound, res)
		}
		s.logger.Error("replay failed", zap.String("session_id", c.Param("id")), zap.Error(res.Err))
		return c.JSON(http.StatusInternalServerError, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDiff(c echo.Context) error {
	persist, _ := strconv.ParseBool(c.QueryParam("persist"))
	diff, err := s.deps.Debugger.Compare(c.Request().Context(), c.Param("from"), c.Param("to"), persist)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, diff)
}

func (s *Server) handleProfile(c echo.Context) error {
	persist, _ := strconv.ParseBool(c.QueryParam("persist"))
	p, err := s.deps.Debugger.Profile(c.Request().Context(), c.Param("from"), c.Param("to"), persist)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleBranch(c echo.Context) error {
	var body BranchRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cp, err := s.deps.Debugger.Branch(c.Request().Context(), c.Param("id"), body.ThreadID, body.Notes)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, cp)
}

func (s *Server) handleComplianceCheck(c echo.Context) error {
	var req compliance.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" && req.Response == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query or response is required")
	}
	return c.JSON(http.StatusOK, s.deps.Compliance.ComprehensiveCheck(c.Request().Context(), req))
}

func (s *Server) handleStartDebugSession(c echo.Context) error {
	var body DebugSessionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.ThreadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread_id is required")
	}
	ds, err := s.deps.Debugger.StartSession(c.Request().Context(), body.ThreadID, body.Level, body.Breakpoints, body.Notes)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, ds)
}

func (s *Server) handleEndDebugSession(c echo.Context) error {
	var body EndDebugSessionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	ds, err := s.deps.Debugger.EndSession(c.Request().Context(), c.Param("id"), body.Notes)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, ds)
}

// toHTTPError maps domain errors to status codes. Unknown errors are
// logged and reported as 500 without detail.
func (s *Server) toHTTPError(err error) error {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, checkpoint.ErrSessionNotFound),
		errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, debugger.ErrInvalidRange),
		errors.Is(err, debugger.ErrSameThread),
		errors.Is(err, checkpoint.ErrInvalidCheckpoint):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, debugger.ErrSessionEnded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
