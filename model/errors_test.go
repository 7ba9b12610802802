package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "node not found"}
	want := "NOT_FOUND: node not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "confidence", Code: "OUT_OF_RANGE", Message: "confidence must be within [0,1]"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "confidence" {
		t.Errorf("Details[0].Field = %q", e.Details[0].Field)
	}
}

func TestNewInternalError_defaultMessage(t *testing.T) {
	e := NewInternalError("")
	if e.Message == "" {
		t.Error("expected default message")
	}
}

func TestNewDependencyUnavailableError(t *testing.T) {
	e := NewDependencyUnavailableError("graph")
	if e.Code != ErrDependencyUnavailable {
		t.Errorf("Code = %q", e.Code)
	}
	if e.Message != `dependency "graph" is unavailable` {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestIsCode(t *testing.T) {
	wrapped := fmt.Errorf("append: %w", NewConflictError("tail moved"))

	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"direct match", NewChainIntegrityError("x"), ErrChainIntegrity, true},
		{"wrapped match", wrapped, ErrConflict, true},
		{"wrong code", wrapped, ErrNotFound, false},
		{"plain error", fmt.Errorf("boom"), ErrInternalError, false},
		{"nil", nil, ErrConflict, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsCode() = %v, want %v", got, tt.want)
			}
		})
	}
}
