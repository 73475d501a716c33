package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: IPC timeouts, a service that has not yet appeared on the bus.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a naming or ownership conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid desired state, unknown plugin, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassIntervention indicates that automatic reconciliation stopped
	// and a human decision is required.
	ErrorClassIntervention ErrorClass = "intervention"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Resource is the plugin, tool or workflow the error relates to.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError reports an unknown plugin, tool, workflow or run.
func NewNotFoundError(kind, name string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s %q not found", kind, name), nil).
		WithCode(ErrCodeNotFound).
		WithResource(name)
}

// NewUnreachableError reports a subsystem that did not respond or timed out.
func NewUnreachableError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeUnreachable)
}

// NewInvalidStateError reports a desired state rejected by plugin validation.
func NewInvalidStateError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeInvalidState)
}

// NewMissingInputError reports desired-state fields that have no value yet.
func NewMissingInputError(fields []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("missing required input: %s", strings.Join(fields, ", ")), nil,
	).WithCode(ErrCodeMissingInput).WithDetail("missing", fields)
}

// NewInterventionError reports that a human decision is required.
func NewInterventionError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassIntervention,
		Message: message,
		Code:    ErrCodeNeedsHumanDecision,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// MissingFields returns the fields recorded on a MISSING_INPUT error.
func MissingFields(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeMissingInput {
		return nil
	}
	fields, _ := e.Details["missing"].([]string)
	return fields
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnreachable        = "UNREACHABLE"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeNeedsHumanDecision = "NEEDS_HUMAN_DECISION"
	ErrCodeMissingInput       = "MISSING_INPUT"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the machine-readable error attached to tool and workflow responses.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`

	// Retryable marks transient failures, such as an unreachable backend,
	// that may succeed when the call is repeated unchanged.
	Retryable bool `json:"retryable,omitempty"`
}

// KindOf returns the machine-readable kind of err, e.g. "not_found".
// Errors that are not EngineErrors report "internal_error".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return strings.ToLower(e.Code)
	}
	return strings.ToLower(ErrCodeInternal)
}

// NewErrorBody converts err into its response form. It returns nil for a nil error.
func NewErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Kind: KindOf(err), Message: err.Error(), Retryable: IsTransient(err)}
}
