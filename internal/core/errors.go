package core

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the HTTP layer.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInternal       = "internal_error"
)

// Error is a structured, user-visible error. Message carries a human-readable
// cause only.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewInvalidRequestError creates an invalid_request error.
func NewInvalidRequestError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a not_found error for a resource.
func NewNotFoundError(resourceType, resourceID string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: message,
		Details: details,
	}
}

// NewUnavailableError wraps a collaborator failure as a retryable error.
func NewUnavailableError(component string, err error) *Error {
	msg := component + " unavailable"
	if err != nil {
		msg = fmt.Sprintf("%s unavailable: %v", component, err)
	}
	return &Error{
		Code:      ErrCodeUnavailable,
		Message:   msg,
		Retryable: true,
		Details:   map[string]any{"component": component},
	}
}

// AsError extracts a *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
