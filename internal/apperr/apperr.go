// Package apperr defines the stable error kinds returned by the core engine.
package apperr

import "errors"

// Kind is a stable, machine-readable error category.
type Kind string

const (
	Validation             Kind = "validation"
	InsufficientCollateral Kind = "insufficient_collateral"
	InsufficientSavings    Kind = "insufficient_savings"
	InsufficientBalance    Kind = "insufficient_balance"
	Unauthorized           Kind = "unauthorized"
	NotFound               Kind = "not_found"
	Conflict               Kind = "conflict"
	OracleUnavailable      Kind = "oracle_unavailable"
	Internal               Kind = "internal"
)

// AppError pairs a stable Kind with a human-readable message and an optional
// wrapped cause.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// New builds an AppError with no wrapped cause.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap builds an AppError wrapping cause.
func Wrap(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *AppError; otherwise returns Internal.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err's Kind matches k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
