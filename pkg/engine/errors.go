package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies the outcome of a failed operation. The string values
// are a stable contract shared with policy, retry and persisted results.
type ErrorKind string

const (
	// ErrorKindNone is the zero value carried by successful results.
	ErrorKindNone ErrorKind = ""

	// ErrorKindPolicyViolation indicates the tenant's rule set rejected the operation.
	ErrorKindPolicyViolation ErrorKind = "POLICY_VIOLATION"

	// ErrorKindInvalidPayload indicates the external system refused the payload.
	ErrorKindInvalidPayload ErrorKind = "INVALID_PAYLOAD"

	// ErrorKindAuthFailed indicates missing, expired or rejected credentials.
	ErrorKindAuthFailed ErrorKind = "AUTH_FAILED"

	// ErrorKindResourceNotFound indicates the targeted resource does not exist.
	ErrorKindResourceNotFound ErrorKind = "RESOURCE_NOT_FOUND"

	// ErrorKindQuotaExceeded indicates rate limiting or quota exhaustion.
	ErrorKindQuotaExceeded ErrorKind = "QUOTA_EXCEEDED"

	// ErrorKindAPIError indicates a transient failure of the external API,
	// including timeouts and an open circuit.
	ErrorKindAPIError ErrorKind = "API_ERROR"

	// ErrorKindUnknown is used when a failure cannot be classified.
	ErrorKindUnknown ErrorKind = "UNKNOWN"
)

// Retryable reports whether retrying an operation that failed with this kind
// can ever succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindPolicyViolation, ErrorKindInvalidPayload,
		ErrorKindAuthFailed, ErrorKindResourceNotFound:
		return false
	case ErrorKindQuotaExceeded, ErrorKindAPIError, ErrorKindUnknown:
		return true
	default:
		return false
	}
}

// Validate checks if the error kind is part of the taxonomy.
func (k ErrorKind) Validate() error {
	switch k {
	case ErrorKindNone, ErrorKindPolicyViolation, ErrorKindInvalidPayload,
		ErrorKindAuthFailed, ErrorKindResourceNotFound, ErrorKindQuotaExceeded,
		ErrorKindAPIError, ErrorKindUnknown:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// EngineError represents a classified error with context.
// Registry adapters that prefer Go errors over RegistryResponse failures
// return an EngineError so the dispatcher can recover the kind.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification for retry logic.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s)%s", e.Kind, e.Message, e.Operation, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a new classified error.
func NewError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// KindOf classifies an arbitrary error. Context deadlines and cancellations
// are API errors; anything unclassified is UNKNOWN.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindAPIError
	}
	return ErrorKindUnknown
}

// Sentinel errors for journal and plan handling.
var (
	// ErrStepNotFound is returned when a journal step does not exist for the tenant.
	ErrStepNotFound = errors.New("saga step not found")

	// ErrSagaNotFound is returned when a saga does not exist for the tenant.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrNotPendingApproval is returned when approving a step that is no
	// longer parked for approval.
	ErrNotPendingApproval = errors.New("saga step is not pending approval")

	// ErrInvalidPlan is returned when an action plan fails validation.
	ErrInvalidPlan = errors.New("invalid action plan")
)
