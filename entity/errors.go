package entity

import (
	"fmt"
	"strings"
)

// ValidationError is returned for malformed input. It is never retried.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return "validation failed: " + e.Message
}

func NewValidationError(format string, args ...any) ValidationError {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError means a referenced entity is absent. Event handlers treat it as
// retryable because the entity may simply not have arrived yet.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictError is an optimistic version mismatch, or a record held by someone else when
// Reason is set. Always retryable.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
	Reason   string
}

func (e ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf(
		"version mismatch for %s %s: expected %d, got %d",
		e.Entity, e.ID, e.Expected, e.Actual,
	)
}

type UnauthorizedError struct {
	Message string
}

func (e UnauthorizedError) Error() string {
	return "unauthorized: " + e.Message
}

// ExternalServiceError wraps failures of the payment provider or the broker.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e ExternalServiceError) Error() string {
	return fmt.Sprintf("%s call failed: %s", e.Service, e.Err)
}

func (e ExternalServiceError) Unwrap() error {
	return e.Err
}

// AllUnavailableError rejects a reservation where no requested ticket could be reserved.
type AllUnavailableError struct {
	Unavailable []string
	NotFound    []string
}

func (e AllUnavailableError) Error() string {
	return fmt.Sprintf(
		"all tickets unavailable (unavailable: [%s], not found: [%s])",
		strings.Join(e.Unavailable, ", "),
		strings.Join(e.NotFound, ", "),
	)
}

type InvalidTransitionError struct {
	Entity  string
	ID      string
	From    string
	Trigger string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: transition %q is not allowed from status %q", e.Entity, e.ID, e.Trigger, e.From)
}
