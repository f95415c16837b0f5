// Package apperr defines the coordinator's typed error kinds. Internal
// components return these for control flow; only the API boundary
// serializes a kind down to the single JSON error envelope shape. The two
// representations are deliberately kept apart -- mixing them defeats the
// point of having typed kinds at all.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy entries from the coordinator's design.
type Kind string

const (
	KindInvalidInput       Kind = "InvalidInput"
	KindInvalidSignature   Kind = "InvalidSignature"
	KindDuplicate          Kind = "Duplicate"
	KindStateConflict      Kind = "StateConflict"
	KindStorageUnavailable Kind = "StorageUnavailable"
	KindBackPressure       Kind = "BackPressure"
	KindTimeout            Kind = "Timeout"
	KindInternal           Kind = "Internal"
	KindUnauthorized       Kind = "Unauthorized"
	KindNotFound           Kind = "NotFound"
	KindRateLimited        Kind = "RateLimited"
)

// Error is a typed-kind error carrying an optional offending field list.
type Error struct {
	Kind    Kind
	Message string
	Fields  []string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithFields attaches the offending field names (for InvalidInput).
func (e *Error) WithFields(fields ...string) *Error {
	e.Fields = fields
	return e
}

// Is lets errors.Is match on Kind alone via a sentinel constructed with New.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the HTTP status code the API boundary should
// return, per the coordinator's external interface contract.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindInvalidSignature:
		return 400
	case KindDuplicate:
		return 409
	case KindStateConflict:
		return 409
	case KindStorageUnavailable:
		return 503
	case KindBackPressure:
		return 503
	case KindTimeout:
		return 504
	case KindUnauthorized:
		return 401
	case KindNotFound:
		return 404
	case KindRateLimited:
		return 429
	case KindInternal:
		return 500
	default:
		return 500
	}
}
