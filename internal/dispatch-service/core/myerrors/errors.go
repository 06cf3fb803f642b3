package myerrors

import (
	"errors"
	"net/http"
)

// One sentinel per error kind. Core operations wrap these with
// fmt.Errorf("%w: ...") so callers classify with errors.Is and the HTTP
// layer maps the kind to a status code.
var (
	ErrInvalidInput        = errors.New("InvalidInput")
	ErrStatePrecondition   = errors.New("StatePrecondition")
	ErrAuthorizationDenied = errors.New("AuthorizationDenied")
	ErrStaleConflict       = errors.New("StaleConflict")
	ErrCapacityExceeded    = errors.New("CapacityExceeded")
	ErrUnavailable         = errors.New("Unavailable")
	ErrTerminal            = errors.New("Terminal")
	ErrNotFound            = errors.New("NotFound")
)

// Kind extracts the machine code for an error, or "Internal" for
// anything outside the known set.
func Kind(err error) string {
	for _, sentinel := range []error{
		ErrInvalidInput, ErrStatePrecondition, ErrAuthorizationDenied,
		ErrStaleConflict, ErrCapacityExceeded, ErrUnavailable,
		ErrTerminal, ErrNotFound,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "Internal"
}

// HTTPStatus maps an error kind to the REST status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStatePrecondition), errors.Is(err, ErrStaleConflict),
		errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
