// Package apperror defines the HTTP-facing error taxonomy. Components
// return *Error values at their boundaries; the echo handler renders them
// as {"message": ...} bodies.
package apperror

import (
	"fmt"
	"net/http"
)

// Error is an application error carrying an HTTP status and a stable code.
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error.
func (e *Error) Unwrap() error {
	return e.Internal
}

// WithInternal returns a copy of the error with an internal error attached.
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
	}
}

// New creates a new application error.
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Common error definitions. The external contract surfaces validation and
// lookup failures as 400s with a bare message body.
var (
	ErrMissingField        = New(http.StatusBadRequest, "missing_field", "Required field is missing")
	ErrMissingDependencies = New(http.StatusBadRequest, "missing_dependencies", "Repository is missing required dependencies")
	ErrRepoNotFound        = New(http.StatusBadRequest, "repo_not_found", "Repository not found")
	ErrJobNotFound         = New(http.StatusBadRequest, "job_not_found", "Job not found")
	ErrInvalidRepoURL      = New(http.StatusBadRequest, "invalid_repo_url", "Invalid repository URL")
	ErrBadRequest          = New(http.StatusBadRequest, "bad_request", "Invalid request")

	ErrRepoExists = New(http.StatusConflict, "repo_exists", "Repository is already tracked")

	ErrInternal = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
)
