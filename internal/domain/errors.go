package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the scenario service.

// ErrSessionNotFound is returned by session repositories when no session is
// stored under the requested id.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrDeserialization indicates persisted session state could not be decoded.
// Index is the position of the offending message, or -1 when the failure is
// not tied to a single message.
type ErrDeserialization struct {
	Discriminator string
	Index         int
	Err           error
}

func (e *ErrDeserialization) Error() string {
	if e.Discriminator != "" {
		return fmt.Sprintf("deserialization error: unknown message type %q at index %d", e.Discriminator, e.Index)
	}
	return fmt.Sprintf("deserialization error: %v", e.Err)
}

func (e *ErrDeserialization) Unwrap() error {
	return e.Err
}

// ErrConflict indicates a concurrent write won the race for the same session.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}
