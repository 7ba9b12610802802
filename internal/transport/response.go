// Package transport serves the operations HTTP surface of the agent:
// health, readiness, metrics and read-only ledger and tool status.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/sentinel/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrValidationError:       http.StatusUnprocessableEntity,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrChainIntegrity:        http.StatusConflict,
	model.ErrSafetyViolation:       http.StatusUnprocessableEntity,
	model.ErrWorkflowNotRunnable:   http.StatusConflict,
	model.ErrDependencyUnavailable: http.StatusServiceUnavailable,
	model.ErrInternalError:         http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors that are not envelopes become a generic 500 so
// internal detail never leaks.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError("")
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

func errNotConfigured(what string) error {
	return model.NewDependencyUnavailableError(what)
}
