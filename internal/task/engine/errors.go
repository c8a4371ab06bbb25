package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped           = errors.New("task engine stopped")
	ErrQueueFull         = errors.New("task engine queue full")
	ErrNotFound          = errors.New("task not found")
	ErrInvalidKind       = errors.New("invalid task kind")
	ErrInvalidParameters = errors.New("invalid task parameters")
)

// invalidParam wraps ErrInvalidParameters with the offending field.
func invalidParam(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidParameters, field, fmt.Sprintf(format, args...))
}

// cancelledError is returned by routines that stop at a checkpoint because
// the task's context was cancelled.
type cancelledError struct{ cause error }

func (e cancelledError) Error() string { return "task interrupted: " + e.cause.Error() }
func (e cancelledError) Unwrap() error { return e.cause }
