// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the transport layer. Domain packages translate their
// own sentinels into these before calling RespondError.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("unprocessable")
	ErrUnavailable   = errors.New("service unavailable")
)

// StatusError pairs a transport sentinel with the detail shown to clients.
type StatusError struct {
	Kind   error
	Detail string
}

func (e *StatusError) Error() string { return e.Detail }

func (e *StatusError) Unwrap() error { return e.Kind }

// Wrap attaches a transport sentinel to err, keeping its message as detail.
func Wrap(kind, err error) error {
	return &StatusError{Kind: kind, Detail: err.Error()}
}

// RespondError maps errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnprocessable):
		Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	case errors.Is(err, ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
