package layout

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a layout error so callers can decide whether to surface or absorb it.
type ErrorClass string

const (
	// ErrorClassUnknownKey indicates a mutation that referenced a key absent from the schema.
	// This is a programmer or schema-drift error and is always surfaced.
	ErrorClassUnknownKey ErrorClass = "unknown_key"

	// ErrorClassPersistence indicates a load or save I/O failure.
	// Load falls back to schema defaults; save is logged and dropped.
	ErrorClassPersistence ErrorClass = "persistence_unavailable"

	// ErrorClassValidation indicates a persisted snapshot with a malformed shape.
	// It is treated the same as an absent snapshot.
	ErrorClassValidation ErrorClass = "validation"
)

// Error is a classified layout error.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Key is the section or subsection key involved, if any.
	Key string `json:"key,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s)", e.Key)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a layout error of the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// UnknownKeyError builds the error returned when a key is not part of the schema.
func UnknownKeyError(key, expected string) *Error {
	return &Error{
		Class:   ErrorClassUnknownKey,
		Message: fmt.Sprintf("key is not a known %s", expected),
		Code:    ErrCodeUnknownKey,
		Key:     key,
	}
}

// PersistenceError wraps a store failure.
func PersistenceError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPersistence,
		Message: message,
		Code:    ErrCodeStoreUnavailable,
		Err:     err,
	}
}

// ValidationError wraps a malformed snapshot failure.
func ValidationError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeInvalidSnapshot,
		Err:     err,
	}
}

// IsUnknownKey returns true if the error is classified as an unknown key.
func IsUnknownKey(err error) bool {
	return hasClass(err, ErrorClassUnknownKey)
}

// IsPersistence returns true if the error is classified as a persistence failure.
func IsPersistence(err error) bool {
	return hasClass(err, ErrorClassPersistence)
}

// IsValidation returns true if the error is classified as a validation failure.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeUnknownKey       = "UNKNOWN_KEY"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeInvalidSnapshot  = "INVALID_SNAPSHOT"
	ErrCodeInvalidSchema    = "INVALID_SCHEMA"
)
