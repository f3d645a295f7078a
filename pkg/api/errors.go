package api

import (
	"errors"
	"fmt"
)

// Error codes carried by TaskError and terminal notifications.
const (
	CodeValidation = "validation"
	CodeNoAgent    = "no_available_agent"
	CodeTimeout    = "timeout"
	CodeAgentError = "agent_error"
	CodeCancelled  = "cancelled"
	CodeRecovery   = "recovery_failed"
)

var (
	// ErrNoAvailableAgent is returned by dispatch when no agent of the
	// requested type is registered, online, and below its concurrency
	// ceiling. It is surfaced to the caller and never auto-retried.
	ErrNoAvailableAgent = errors.New("no available agent")

	// ErrTaskTimeout is returned by a completion wait that exceeded its
	// bound. The task itself is left untouched; cancellation is an
	// explicit action owned by the monitor.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrDependenciesPending is returned by dispatch when the task still
	// has incomplete dependencies. The task stays PENDING and is
	// redispatched once every dependency reaches COMPLETED.
	ErrDependenciesPending = errors.New("task dependencies pending")

	// ErrRecoveryFailed is reported when the monitor exhausts retries or
	// finds no agent for a stuck task.
	ErrRecoveryFailed = errors.New("recovery failed")
)

// ValidationError rejects malformed creation input synchronously.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
