// Package httpserver contains the REST handlers and middleware for the
// generation API: job submission, job lifecycle, and recommendations.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrInvalidTransition):
		code = http.StatusConflict
		codeStr = "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrQueueSaturated):
		code = http.StatusServiceUnavailable
		codeStr = "QUEUE_SATURATED"
	case errors.Is(err, domain.ErrGeneratorUnreachable):
		code = http.StatusServiceUnavailable
		codeStr = "GENERATOR_UNREACHABLE"
	case errors.Is(err, domain.ErrGeneratorRejected):
		code = http.StatusBadGateway
		codeStr = "GENERATOR_REJECTED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
