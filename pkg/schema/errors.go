package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeBranch            = "BRANCH_ERROR"
	ErrCodeCapture           = "CAPTURE_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// ErrorKind is the failure classification taxonomy applied to node and run
// failures. Kinds are persisted on nodes and retry attempts; the retry
// analyzer maps raw errors onto them.
type ErrorKind string

const (
	KindTransientToolError     ErrorKind = "transient_tool_error"
	KindMissingDependency      ErrorKind = "missing_dependency"
	KindInvalidOutputFormat    ErrorKind = "invalid_output_format"
	KindTimeout                ErrorKind = "timeout"
	KindResourceExhausted      ErrorKind = "resource_exhausted"
	KindUserCancelled          ErrorKind = "user_cancelled"
	KindPersistenceError       ErrorKind = "persistence_error"
	KindIllegalStateTransition ErrorKind = "illegal_state_transition"
	KindUnknown                ErrorKind = "unknown"
)

// TrailError is the structured error type for all dagtrail operations.
type TrailError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TrailError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TrailError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TrailError.
func NewError(code, message string) *TrailError {
	return &TrailError{Code: code, Message: message}
}

// NewErrorf creates a new TrailError with a formatted message.
func NewErrorf(code, format string, args ...any) *TrailError {
	return &TrailError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *TrailError) WithNode(nodeID string) *TrailError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *TrailError) WithCause(err error) *TrailError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TrailError) WithDetails(details map[string]any) *TrailError {
	e.Details = details
	return e
}

// ErrorCode extracts the code from a TrailError anywhere in the chain.
// Returns the empty string for nil or untyped errors.
func ErrorCode(err error) string {
	var te *TrailError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
