package checkpoint

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("checkpoint not found")
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	ErrDuplicate         = errors.New("checkpoint already exists")
	ErrParentNotFound    = errors.New("parent checkpoint not found")
	ErrSessionNotFound   = errors.New("debug session not found")
	ErrClosed            = errors.New("checkpoint service closed")

	ErrMissingID        = errors.New("checkpoint id is required")
	ErrMissingThreadID  = errors.New("thread id is required")
	ErrInvalidEventType = errors.New("unknown event type")
	ErrMissingTimestamp = errors.New("timestamp is required")
	ErrMissingState     = errors.New("state is required")
	ErrParentNotBefore  = errors.New("parent checkpoint must not be newer than its child")
	ErrSelfParent       = errors.New("checkpoint cannot be its own parent")
)

// Validate checks the record's required fields.
func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, ErrMissingID)
	case r.ThreadID == "":
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, ErrMissingThreadID)
	case !r.EventType.Valid():
		return fmt.Errorf("%w: %v %q", ErrInvalidCheckpoint, ErrInvalidEventType, r.EventType)
	case r.Timestamp.IsZero():
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, ErrMissingTimestamp)
	case len(r.State) == 0:
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, ErrMissingState)
	case r.ParentCheckpoint == r.ID:
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, ErrSelfParent)
	}
	return nil
}
