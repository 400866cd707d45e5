package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openjobspec/scan-populator/internal/core"
)

// ErrorResponse wraps an API error.
type ErrorResponse struct {
	Error *ErrorBody `json:"error"`
}

// ErrorBody is the JSON body of an API error.
type ErrorBody struct {
	*core.Error
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, e *core.Error) {
	WriteJSON(w, status, ErrorResponse{Error: &ErrorBody{
		Error:     e,
		RequestID: w.Header().Get("X-Request-Id"),
	}})
}

// HandleError maps err to an HTTP status and writes it. Errors that are not
// *core.Error are reported as internal errors.
func HandleError(w http.ResponseWriter, err error) {
	e, ok := core.AsError(err)
	if !ok {
		slog.Error("unhandled error", "error", err)
		WriteError(w, http.StatusInternalServerError, &core.Error{
			Code:      core.ErrCodeInternal,
			Message:   err.Error(),
			Retryable: true,
		})
		return
	}
	WriteError(w, statusFor(e.Code), e)
}

func statusFor(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict:
		return http.StatusConflict
	case core.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
