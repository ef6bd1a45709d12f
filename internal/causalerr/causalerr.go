// Package causalerr defines the error taxonomy shared by every analysis
// engine and surfaced by the HTTP layer.
package causalerr

import (
	"fmt"
	"net/http"
)

// Kind identifies which branch of the error taxonomy an error belongs to.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindInvalidData        Kind = "InvalidData"
	KindInsufficientData   Kind = "InsufficientData"
	KindConvergenceFailure Kind = "ConvergenceFailure"
	KindComputationError   Kind = "ComputationError"
	KindComputationTimeout Kind = "ComputationTimeout"
	KindStoreUnavailable   Kind = "StoreUnavailable"
	KindValidationError    Kind = "ValidationError"
	KindNotFound           Kind = "NotFound"
)

// Error is a CausalError: a taxonomy kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Field   string // offending field or phase name, when applicable
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs a CausalError of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a CausalError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField attaches the offending field/phase name.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// HTTPStatus maps a Kind to the status code per the error-handling design.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindInvalidData, KindInsufficientData, KindValidationError:
		return http.StatusBadRequest
	case KindConvergenceFailure, KindComputationError, KindComputationTimeout, KindStoreUnavailable:
		return http.StatusInternalServerError
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// As extracts a *Error from err, or returns nil if err is not one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return nil
}
