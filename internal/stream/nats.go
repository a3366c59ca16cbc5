package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSSink republishes events on NATS so other processes can follow a
// session. Subjects are <prefix>.<session>.<event_type>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a sink on an existing connection. The caller owns nc.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "meritflow.sessions"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.nc.Publish(Subject(s.prefix, ev.SessionID, ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SessionSubject is the wildcard subject matching every event of a session.
func (s *NATSSink) SessionSubject(sessionID string) string {
	return s.prefix + "." + subjectToken(sessionID) + ".*"
}

// Flush waits until the server has processed everything published.
func (s *NATSSink) Flush() error {
	return s.nc.Flush()
}

// Subject builds the NATS subject for an event.
func Subject(prefix, sessionID string, t EventType) string {
	return prefix + "." + subjectToken(sessionID) + "." + subjectToken(string(t))
}

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
