// Package apperr defines the error taxonomy shared by the billing compliance
// services and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInfrastructure Kind = "infrastructure"
)

// Error is the single error type raised by services and repositories.
// Message is user-readable and safe to surface verbatim for every kind except
// KindInfrastructure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed input. Not retryable.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing referenced entity. Not retryable.
func NotFound(entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// Conflict reports a state conflict such as resolving an already resolved hold.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Infrastructure wraps a storage or broker failure. The only retryable kind.
func Infrastructure(op string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Message: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsInfrastructure also reports true for errors outside the taxonomy, since an
// unclassified failure can only have come from below the service layer.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	k, ok := kindOf(err)
	return !ok || k == KindInfrastructure
}

// Retryable reports whether a caller (e.g. the sweep runner) may retry.
func Retryable(err error) bool {
	return IsInfrastructure(err)
}

// HTTPError converts err into an echo error with the status code matching its
// kind. Infrastructure failures never leak their cause to the client.
func HTTPError(err error) *echo.HTTPError {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable, try again")
	}
	switch e.Kind {
	case KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, e.Message)
	case KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, e.Message)
	case KindConflict:
		return echo.NewHTTPError(http.StatusConflict, e.Message)
	default:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable, try again")
	}
}
