// Package errors defines structured error types shared by the type system,
// the index manager and the storage layer.
package errors

import (
	goerrors "errors"
	"fmt"
)

// ErrorCode defines specific error types.
type ErrorCode string

const (
	// ErrBadSchema is returned when a schema declaration cannot be classified or named
	ErrBadSchema ErrorCode = "BAD_SCHEMA"
	// ErrName is returned when a type name is redefined with a conflicting schema
	ErrName ErrorCode = "NAME_ERROR"
	// ErrInvalid is returned when a value fails a type's structural contract
	ErrInvalid ErrorCode = "INVALID"
	// ErrInvalidField is returned when a value fails validation inside a specific field
	ErrInvalidField ErrorCode = "INVALID_FIELD"

	// ErrDuplicateRecord is returned when a key is already occupied
	ErrDuplicateRecord ErrorCode = "DUPREC"
	// ErrNoRecord is returned when a key is absent
	ErrNoRecord ErrorCode = "NOREC"
	// ErrConflict is returned when an index entry is claimed by another record
	ErrConflict ErrorCode = "CONFLICT"

	// ErrInternal is returned when an unexpected error occurs
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// Kind is the closed set of error categories, decided where the error is
// created so callers can switch on it instead of inspecting messages.
type Kind int

const (
	KindInternal Kind = iota
	KindBadSchema
	KindName
	KindInvalid
	KindInvalidField
	KindDuplicateRecord
	KindNoRecord
	KindConflict
)

var kindNames = [...]string{
	KindInternal:        "Internal",
	KindBadSchema:       "BadSchema",
	KindName:            "NameError",
	KindInvalid:         "Invalid",
	KindInvalidField:    "InvalidField",
	KindDuplicateRecord: "DuplicateRecord",
	KindNoRecord:        "NoRecord",
	KindConflict:        "Conflict",
}

var kindCodes = [...]ErrorCode{
	KindInternal:        ErrInternal,
	KindBadSchema:       ErrBadSchema,
	KindName:            ErrName,
	KindInvalid:         ErrInvalid,
	KindInvalidField:    ErrInvalidField,
	KindDuplicateRecord: ErrDuplicateRecord,
	KindNoRecord:        ErrNoRecord,
	KindConflict:        ErrConflict,
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code returns the error code associated with the kind.
func (k Kind) Code() ErrorCode {
	if int(k) < len(kindCodes) {
		return kindCodes[k]
	}
	return ErrInternal
}

// Kinded is implemented by errors that know their category.
type Kinded interface {
	error
	Kind() Kind
}

// Error is a concrete error type with kind, code, reason and optional details.
type Error struct {
	kind       Kind
	message    string
	reason     string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Newf creates a new Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithReason sets the short human-readable reason, the part reported back to
// users when errors are collected per field.
func (e *Error) WithReason(reason string) *Error {
	e.reason = reason
	return e
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	for k, v := range details {
		e.details[k] = v
	}
	return e
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Kind returns the error category.
func (e *Error) Kind() Kind {
	return e.kind
}

// Name returns the category name, e.g. "Invalid".
func (e *Error) Name() string {
	return e.kind.String()
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.kind.Code()
}

// Reason returns the short reason, falling back to the message.
func (e *Error) Reason() string {
	if e.reason != "" {
		return e.reason
	}
	return e.message
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is matches another *Error of the same kind. A target with a message only
// matches errors carrying that exact message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind && (t.message == "" || t.message == e.message)
}

// KindOf returns the kind of the first error in err's chain that carries one,
// or KindInternal.
func KindOf(err error) Kind {
	var k Kinded
	if goerrors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsValidation reports whether err describes a problem with user data rather
// than a programming or I/O failure.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindInvalid, KindInvalidField, KindConflict:
		return true
	default:
		return false
	}
}

// Message returns the message to collect for a validation error.
func Message(err error) string {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}

// Internal creates an internal error wrapping an underlying error.
func Internal(message string, err error) *Error {
	return New(KindInternal, message).Wrap(err)
}
