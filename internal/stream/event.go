// Package stream is the per-session streaming event bus.
//
// Every session has an append-only, ordered event log. Subscribers receive
// events over bounded channels; a subscriber that stops reading makes the
// publisher wait up to the publish timeout, after which the event is dropped
// for that subscriber and counted. The log itself never drops events.
package stream

import (
	"time"
)

// EventType names a streaming event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventComplianceWarning EventType = "compliance_warning"
	EventDynamicInterrupt  EventType = "dynamic_interrupt"
	EventHumanReview       EventType = "human_review_required"
	EventSubworkflow       EventType = "subworkflow_event"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_error"
)

// Event is one entry in a session's log. Sequence and Progress are assigned
// by the bus on publish.
type Event struct {
	Sequence  int64          `json:"sequence"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Progress  float64        `json:"progress_percentage"`
	Data      map[string]any `json:"data,omitempty"`
}

// Terminal reports whether the event ends its session's stream.
func (e Event) Terminal() bool {
	return e.Type == EventWorkflowCompleted || e.Type == EventWorkflowFailed
}

// Progress caps per phase.
const (
	CapBeforeReview = 80.0
	CapFinal        = 100.0
)

// ComputeProgress returns min(cap, completed/expected*cap). A non-positive
// expected count yields 0.
func ComputeProgress(completed, expected int, cap float64) float64 {
	if expected <= 0 || completed <= 0 {
		return 0
	}
	p := float64(completed) / float64(expected) * cap
	if p > cap {
		return cap
	}
	return p
}
