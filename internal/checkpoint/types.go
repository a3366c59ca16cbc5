package checkpoint

import (
	"encoding/json"
	"time"
)

// EventType is the transition that produced a checkpoint.
type EventType string

const (
	EventWorkflowStart    EventType = "WorkflowStart"
	EventPhaseComplete    EventType = "PhaseComplete"
	EventErrorOccurred    EventType = "ErrorOccurred"
	EventHumanInterrupt   EventType = "HumanInterrupt"
	EventDebugBreakpoint  EventType = "DebugBreakpoint"
	EventWorkflowComplete EventType = "WorkflowComplete"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	switch e {
	case EventWorkflowStart, EventPhaseComplete, EventErrorOccurred,
		EventHumanInterrupt, EventDebugBreakpoint, EventWorkflowComplete:
		return true
	}
	return false
}

// Terminal reports whether e ends a run.
func (e EventType) Terminal() bool {
	return e == EventWorkflowComplete || e == EventErrorOccurred
}

// PerformanceMetrics is captured with each checkpoint. Times are in
// milliseconds.
type PerformanceMetrics struct {
	ElapsedMs           float64            `json:"elapsed_ms"`
	MemoryMB            float64            `json:"memory_mb"`
	AgentExecutionTimes map[string]float64 `json:"agent_execution_times,omitempty"`
}

// Checkpoint is the metadata row for a snapshot.
type Checkpoint struct {
	ID                 string             `json:"checkpoint_id"`
	ThreadID           string             `json:"thread_id"`
	Timestamp          time.Time          `json:"timestamp"`
	EventType          EventType          `json:"event_type"`
	WorkflowType       string             `json:"workflow_type,omitempty"`
	Phase              string             `json:"phase,omitempty"`
	StateHash          string             `json:"state_hash"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	DebugNotes         string             `json:"debug_notes,omitempty"`
	ParentCheckpoint   string             `json:"parent_checkpoint,omitempty"`
}

// Record is a checkpoint together with its serialized state.
type Record struct {
	Checkpoint
	State json.RawMessage `json:"state"`
}

// Clone returns a deep copy so callers cannot mutate stored data.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.State = append(json.RawMessage(nil), r.State...)
	if r.PerformanceMetrics.AgentExecutionTimes != nil {
		c.PerformanceMetrics.AgentExecutionTimes = make(map[string]float64, len(r.PerformanceMetrics.AgentExecutionTimes))
		for k, v := range r.PerformanceMetrics.AgentExecutionTimes {
			c.PerformanceMetrics.AgentExecutionTimes[k] = v
		}
	}
	return &c
}

// Query selects checkpoints. Zero fields do not filter.
type Query struct {
	ThreadID   string
	EventTypes []EventType
	Since      time.Time
	Until      time.Time
	Limit      int
	// Descending returns newest first.
	Descending bool
}

func (q Query) matches(c *Checkpoint) bool {
	if q.ThreadID != "" && c.ThreadID != q.ThreadID {
		return false
	}
	if !q.Since.IsZero() && c.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !c.Timestamp.Before(q.Until) {
		return false
	}
	if len(q.EventTypes) > 0 {
		for _, et := range q.EventTypes {
			if c.EventType == et {
				return true
			}
		}
		return false
	}
	return true
}

// ValueChange describes one modified top-level state key.
type ValueChange struct {
	Old   any    `json:"old"`
	New   any    `json:"new"`
	Delta string `json:"delta,omitempty"`
}

// StateDiff compares two checkpoints' states.
type StateDiff struct {
	CheckpointFrom string                 `json:"checkpoint_from"`
	CheckpointTo   string                 `json:"checkpoint_to"`
	AddedKeys      []string               `json:"added_keys"`
	RemovedKeys    []string               `json:"removed_keys"`
	ModifiedKeys   []string               `json:"modified_keys"`
	ValueChanges   map[string]ValueChange `json:"value_changes"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Empty reports whether the two states were identical.
func (d *StateDiff) Empty() bool {
	return len(d.AddedKeys) == 0 && len(d.RemovedKeys) == 0 && len(d.ModifiedKeys) == 0
}

// Clone returns a deep copy.
func (d *StateDiff) Clone() *StateDiff {
	if d == nil {
		return nil
	}
	c := *d
	c.AddedKeys = cloneStrings(d.AddedKeys)
	c.RemovedKeys = cloneStrings(d.RemovedKeys)
	c.ModifiedKeys = cloneStrings(d.ModifiedKeys)
	if d.ValueChanges != nil {
		c.ValueChanges = make(map[string]ValueChange, len(d.ValueChanges))
		for k, v := range d.ValueChanges {
			c.ValueChanges[k] = ValueChange{Old: cloneValue(v.Old), New: cloneValue(v.New), Delta: v.Delta}
		}
	}
	return &c
}

// cloneStrings copies s, keeping an empty non-nil slice non-nil.
func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// cloneValue deep-copies a decoded JSON value.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// PerformanceProfile compares timing between two checkpoints.
type PerformanceProfile struct {
	StartCheckpoint     string             `json:"start_checkpoint"`
	EndCheckpoint       string             `json:"end_checkpoint"`
	DurationMs          float64            `json:"duration_ms"`
	MemoryUsageMB       float64            `json:"memory_usage_mb"`
	AgentExecutionTimes map[string]float64 `json:"agent_execution_times"`
	Bottlenecks         []string           `json:"bottlenecks"`
	Recommendations     []string           `json:"recommendations"`
	Timestamp           time.Time          `json:"timestamp"`
}

// Clone returns a deep copy.
func (p *PerformanceProfile) Clone() *PerformanceProfile {
	if p == nil {
		return nil
	}
	c := *p
	if p.AgentExecutionTimes != nil {
		c.AgentExecutionTimes = make(map[string]float64, len(p.AgentExecutionTimes))
		for k, v := range p.AgentExecutionTimes {
			c.AgentExecutionTimes[k] = v
		}
	}
	c.Bottlenecks = cloneStrings(p.Bottlenecks)
	c.Recommendations = cloneStrings(p.Recommendations)
	return &c
}

// DebugSession registers breakpoints for a thread.
type DebugSession struct {
	SessionID    string     `json:"session_id"`
	ThreadID     string     `json:"thread_id"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	DebugLevel   string     `json:"debug_level"`
	Breakpoints  []string   `json:"breakpoints"`
	SessionNotes string     `json:"session_notes,omitempty"`
}

// Active reports whether the session has not ended.
func (d *DebugSession) Active() bool {
	return d.EndTime == nil
}

// DeleteResult counts rows removed by a cleanup.
type DeleteResult struct {
	Checkpoints   int64 `json:"checkpoints"`
	Diffs         int64 `json:"diffs"`
	Profiles      int64 `json:"profiles"`
	DebugSessions int64 `json:"debug_sessions"`
}
