// Package apperr defines the error taxonomy surfaced at the API boundary.
// Every error leaving a service carries a Kind so handlers can map it to an
// HTTP status and a stable error object without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindAlreadyBound           Kind = "AlreadyBound"
	KindActiveRunExists        Kind = "ActiveRunExists"
	KindNoMatchingRunner       Kind = "NoMatchingRunner"
	KindRunnerLost             Kind = "RunnerLost"
	KindOutputSchemaValidation Kind = "OutputSchemaValidationError"
	KindNotFound               Kind = "NotFound"
	KindConflict               Kind = "Conflict"
	KindInternal               Kind = "Internal"
)

// Error is a kinded error with optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyBound, KindActiveRunExists, KindConflict:
		return http.StatusConflict
	case KindNoMatchingRunner, KindRunnerLost, KindOutputSchemaValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
