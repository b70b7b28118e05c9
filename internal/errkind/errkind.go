// Package errkind classifies errors into the transport-level taxonomy
// shared by the HTTP API and the command service.
//
// Handlers wrap local errors into a Kind at their boundary; the transports
// map the Kind to an HTTP status or an envelope status string. Everything
// that is not explicitly classified is Internal.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse classification of an error.
type Kind int

const (
	// Internal is the catch-all for unclassified errors.
	Internal Kind = iota
	// Invalid marks malformed input, unknown enum values, out-of-range
	// values, and unsafe filter expressions.
	Invalid
	// Unauthenticated marks missing or garbled credentials.
	Unauthenticated
	// Forbidden marks a valid key with insufficient scope.
	Forbidden
	// NotFound marks a missing project, bucket, table, branch, snapshot,
	// file, session, or key.
	NotFound
	// Conflict marks duplicate creates, revoke-last-admin, idempotency
	// mismatches, restore over a foreign table, and primary-key violations.
	Conflict
	// Gone marks expired workspaces and expired upload sessions.
	Gone
	// TooLarge marks an upload exceeding the configured maximum.
	TooLarge
	// TooMany marks the per-workspace connection cap.
	TooMany
	// Unimplemented marks an unknown command name.
	Unimplemented
)

// String returns the stable wire name of the kind, used in JSON error
// bodies and envelope statuses.
func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid_argument"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Gone:
		return "gone"
	case TooLarge:
		return "payload_too_large"
	case TooMany:
		return "too_many_requests"
	case Unimplemented:
		return "unimplemented"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Invalid:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Gone:
		return http.StatusGone
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case TooMany:
		return http.StatusTooManyRequests
	case Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. It wraps an underlying error so that
// errors.Is / errors.As keep working through the classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil. If err is
// already classified, the original kind is preserved.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Of returns the kind of err, or Internal when err carries no
// classification.
func Of(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}
