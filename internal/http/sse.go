package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/session"
	"github.com/fyrsmithlabs/meritflow/internal/stream"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// SSEStreamsActive is the number of open event streams.
	SSEStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meritflow",
			Subsystem: "http",
			Name:      "sse_streams_active",
			Help:      "Number of open server-sent event streams",
		},
	)

	// SSEEventsSent counts events written to event streams.
	SSEEventsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meritflow",
			Subsystem: "http",
			Name:      "sse_events_sent_total",
			Help:      "Total events written to server-sent event streams",
		},
	)
)

// handleEvents streams a session's events as server-sent events. A live
// session streams until it completes; a finished one replays its log. A
// session the bus no longer holds replays the events of its last stored
// run. An unknown session waits for its first run.
func (s *Server) handleEvents(c echo.Context) error {
	sessionID := c.Param("id")
	ctx := c.Request().Context()

	sub, ok := s.deps.Events.SubscribeKnown(sessionID)
	if !ok {
		h, err := s.deps.Orchestrator.GetSessionHistory(ctx, sessionID, true)
		switch {
		case err == nil:
			return s.replayEvents(c, sessionID, h.StreamingEvents)
		case errors.Is(err, session.ErrNotFound):
			sub = s.deps.Events.Subscribe(sessionID)
		default:
			return s.toHTTPError(err)
		}
	}
	defer sub.Close()

	SSEStreamsActive.Inc()
	defer SSEStreamsActive.Dec()

	w := c.Response()
	startEventStream(w)

	keepAlive := time.NewTicker(s.config.SSEKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				writeEnd(w)
				return nil
			}
			if err := s.writeEvent(w, sessionID, ev); err != nil {
				return nil
			}
		}
	}
}

// replayEvents writes stored events followed by end.
func (s *Server) replayEvents(c echo.Context, sessionID string, events []stream.Event) error {
	SSEStreamsActive.Inc()
	defer SSEStreamsActive.Dec()

	w := c.Response()
	startEventStream(w)
	for _, ev := range events {
		if err := s.writeEvent(w, sessionID, ev); err != nil {
			return nil
		}
	}
	writeEnd(w)
	return nil
}

func startEventStream(w *echo.Response) {
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()
}

func writeEnd(w *echo.Response) {
	fmt.Fprint(w, "event: end\ndata: {}\n\n")
	w.Flush()
}

// writeEvent writes one event frame. Only write errors are returned; an
// event that fails to encode is logged and skipped.
func (s *Server) writeEvent(w *echo.Response, sessionID string, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to encode stream event", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data); err != nil {
		return err
	}
	w.Flush()
	SSEEventsSent.Inc()
	return nil
}
