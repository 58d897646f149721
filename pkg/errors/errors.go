package errors

import (
	"errors"
	"fmt"
)

// Domain error types for business logic

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates insufficient permissions
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")
)

// Workflow-specific errors

var (
	// ErrAnalysisCancelled indicates the analysis or its parent batch was cancelled
	ErrAnalysisCancelled = errors.New("analysis cancelled")

	// ErrAnalysisSuperseded indicates a newer analysis replaced this one
	ErrAnalysisSuperseded = errors.New("analysis superseded by newer run")

	// ErrPhaseUnhealthy indicates a phase cannot proceed
	ErrPhaseUnhealthy = errors.New("phase health check failed")

	// ErrInvocationFailed indicates an agent worker could not be reached
	ErrInvocationFailed = errors.New("agent invocation failed")

	// ErrUnknownAgent indicates an agent id not present in the registry
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownPhase indicates a phase id not present in the workflow config
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrStatusConflict indicates a guarded status transition was rejected
	ErrStatusConflict = errors.New("status transition rejected by precondition")

	// ErrBatchNotifyFailed indicates the parent rebalance batch could not be notified
	ErrBatchNotifyFailed = errors.New("rebalance batch notification failed")
)

// Agent error taxonomy (mirrors agent callback errorType values)

var (
	// ErrRateLimited indicates an upstream API rate limit (transient, retryable)
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidAPIKey indicates a permanent credential failure (workflow-fatal)
	ErrInvalidAPIKey = errors.New("invalid api key")

	// ErrDataFetch indicates upstream market data was unavailable
	ErrDataFetch = errors.New("data fetch failed")
)

// DomainError wraps an error with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
