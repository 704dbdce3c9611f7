// Package apperr carries the error taxonomy shared by the domain services and
// the HTTP layer. Services return *DomainError values; the HTTP layer only
// translates them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func Unauthenticated(message string) *DomainError {
	return New(http.StatusUnauthorized, CodeUnauthenticated, message, nil)
}

func Forbidden(message string) *DomainError {
	return New(http.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(message string) *DomainError {
	return New(http.StatusNotFound, CodeNotFound, message, nil)
}

func InvalidArgument(message string) *DomainError {
	return New(http.StatusBadRequest, CodeInvalidArgument, message, nil)
}

func RateLimited(message string) *DomainError {
	return New(http.StatusTooManyRequests, CodeRateLimited, message, nil)
}

func Unavailable(message string) *DomainError {
	return New(http.StatusServiceUnavailable, CodeUnavailable, message, nil)
}

// Internal hides err behind a generic message. The cause stays reachable
// through errors.Unwrap for logging.
func Internal(err error) *DomainError {
	e := New(http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
	e.Err = err
	return e
}

// CodeOf returns the code of the first DomainError in err's chain, or "".
func CodeOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// Is reports whether err carries a DomainError with the given code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
