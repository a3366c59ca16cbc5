package workflows

import (
	"fmt"
)

// ErrorSeverity ranks retention failures.
type ErrorSeverity string

const (
	// ErrorSeverityCritical fails the workflow run.
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh is recorded in the result; the run still completes.
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow is only logged.
	ErrorSeverityLow ErrorSeverity = "low"
)

// RetentionError is a structured retention failure.
type RetentionError struct {
	Operation string // e.g. "cleanup_checkpoints"
	Severity  ErrorSeverity
	Err       error
	Context   string
}

// Error implements the error interface
func (e *RetentionError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to see the cause.
func (e *RetentionError) Unwrap() error {
	return e.Err
}

// NewRetentionError creates a RetentionError.
func NewRetentionError(operation string, severity ErrorSeverity, err error, context string) *RetentionError {
	return &RetentionError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// FormatErrorForResult formats an error for a result's Errors slice.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}
