package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrValidationError       = "VALIDATION_ERROR"
	ErrNotFound              = "NOT_FOUND"
	ErrConflict              = "CONFLICT"
	ErrInternalError         = "INTERNAL_ERROR"
	ErrDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
)

// Ledger and workflow error codes.
const (
	ErrChainIntegrity      = "CHAIN_INTEGRITY"
	ErrSafetyViolation     = "SAFETY_VIOLATION"
	ErrWorkflowNotRunnable = "WORKFLOW_NOT_RUNNABLE"
)

// ErrorEnvelope is the typed error used across the agent core. It implements
// the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError(msg string) *ErrorEnvelope {
	if msg == "" {
		msg = "An unexpected error occurred"
	}
	return &ErrorEnvelope{Code: ErrInternalError, Message: msg}
}

// NewDependencyUnavailableError returns a DEPENDENCY_UNAVAILABLE error for
// the named dependency.
func NewDependencyUnavailableError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDependencyUnavailable,
		Message: fmt.Sprintf("dependency %q is unavailable", name),
	}
}

// NewChainIntegrityError returns a CHAIN_INTEGRITY error.
func NewChainIntegrityError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrChainIntegrity, Message: msg}
}

// NewSafetyViolationError returns a SAFETY_VIOLATION error.
func NewSafetyViolationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSafetyViolation, Message: msg}
}

// NewWorkflowNotRunnableError returns a WORKFLOW_NOT_RUNNABLE error.
func NewWorkflowNotRunnableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotRunnable, Message: msg}
}

// IsCode reports whether err wraps an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}
