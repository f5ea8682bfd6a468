package common

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP surface and for retry decisions.
// Adapters translate low-level failures into exactly one Kind; the API
// layer maps Kinds to status codes in a single place.
type Kind int

const (
	// KindInternal is the default for unexpected failures.
	KindInternal Kind = iota

	// KindValidation covers malformed bodies and out-of-range parameters.
	KindValidation

	// KindAuthMissing means no usable credentials were presented.
	KindAuthMissing

	// KindAuthInsufficient means the caller's role does not permit the operation.
	KindAuthInsufficient

	// KindNotFound means a referenced entity does not exist.
	KindNotFound

	// KindTooLarge covers oversized questions and request bodies.
	KindTooLarge

	// KindRateLimited means the caller exceeded its token bucket.
	KindRateLimited

	// KindTimeout means the operation exceeded its wall-clock budget.
	KindTimeout

	// KindConflict covers duplicate inserts under strict mode.
	KindConflict

	// KindUnavailable means a downstream dependency is unreachable and
	// graceful degradation was impossible.
	KindUnavailable
)

// String returns the taxonomy tag used in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthMissing:
		return "auth-missing"
	case KindAuthInsufficient:
		return "auth-insufficient"
	case KindNotFound:
		return "not-found"
	case KindTooLarge:
		return "too-large"
	case KindRateLimited:
		return "rate-limited"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is the typed error every public operation returns on failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a taxonomy error with an optional wrapped cause.
func E(kind Kind, message string, cause ...error) *Error {
	e := &Error{Kind: kind, Message: message}
	if len(cause) > 0 {
		e.Err = cause[0]
	}
	return e
}

// Ef builds a taxonomy error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
