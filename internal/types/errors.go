package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure at a component boundary
type ErrorKind string

// Error kind constants
const (
	ErrInvalidInput       ErrorKind = "invalid_input"
	ErrNotFound           ErrorKind = "not_found"
	ErrUnauthorized       ErrorKind = "unauthorized"
	ErrForbidden          ErrorKind = "forbidden"
	ErrConflict           ErrorKind = "conflict"
	ErrQueueFull          ErrorKind = "queue_full"
	ErrRegistryFull       ErrorKind = "registry_full"
	ErrAgentExists        ErrorKind = "agent_already_exists"
	ErrAgentNotFound      ErrorKind = "agent_not_found"
	ErrInvalidAgentData   ErrorKind = "invalid_agent_data"
	ErrNoEligibleAgents   ErrorKind = "no_eligible_agents"
	ErrArtifactIntegrity  ErrorKind = "artifact_integrity"
	ErrTimeout            ErrorKind = "timeout"
	ErrRetryable          ErrorKind = "retryable"
	ErrServiceUnavailable ErrorKind = "service_unavailable"
	ErrInternal           ErrorKind = "internal"
)

// Error is a classified failure crossing a component boundary.
// Field identifies the offending field or id when known; Hint carries
// a remediation suggestion for policy violations.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
	Hint    string    `json:"hint,omitempty"`
	wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.wrapped
}

// E creates a classified error
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// EField creates a classified error naming the offending field or id
func EField(kind ErrorKind, field, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Field: field}
}

// Wrap classifies an underlying error without losing its chain
func Wrap(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// KindOf extracts the kind from an error chain.
// Unclassified errors report as internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// retryableKinds are the kinds the orchestrator may retry with backoff
var retryableKinds = map[ErrorKind]bool{
	ErrTimeout:            true,
	ErrRetryable:          true,
	ErrServiceUnavailable: true,
	ErrConflict:           true,
	ErrInternal:           true,
}

// IsRetryable reports whether the error kind permits a retry attempt
func IsRetryable(err error) bool {
	return retryableKinds[KindOf(err)]
}
