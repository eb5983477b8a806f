package fault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a failure so transports can map it to a protocol status.
type Kind string

const (
	KindInvalidArgument       Kind = "INVALID_ARGUMENT"
	KindNotFound              Kind = "NOT_FOUND"
	KindForbidden             Kind = "FORBIDDEN"
	KindConflict              Kind = "CONFLICT"
	KindPreconditionFailed    Kind = "PRECONDITION_FAILED"
	KindSearchTypeUnavailable Kind = "SEARCH_TYPE_UNAVAILABLE"
	KindRedirect              Kind = "REDIRECT"
	KindUnavailable           Kind = "UNAVAILABLE"
	KindInternal              Kind = "INTERNAL"
)

type Error struct {
	Kind   Kind
	Detail string
	Err    error

	// Advertised peer for KindRedirect.
	Host string
	Port int

	// Populated for KindSearchTypeUnavailable.
	AvailableSearchTypes []string

	// Populated for KindInternal so operators can find the logged cause.
	CorrelationID string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Internal wraps an unexpected error and stamps it with a correlation id.
// Callers are expected to log the id alongside the cause.
func Internal(detail string, err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Detail:        detail,
		Err:           err,
		CorrelationID: uuid.NewString(),
	}
}

// Redirect signals that a resumable-response operation must be retried
// against the advertised peer.
func Redirect(host string, port int) *Error {
	return &Error{
		Kind:   KindRedirect,
		Detail: fmt.Sprintf("response is recorded on %s:%d", host, port),
		Host:   host,
		Port:   port,
	}
}

func SearchTypeUnavailable(requested string, available []string) *Error {
	return &Error{
		Kind:                 KindSearchTypeUnavailable,
		Detail:               fmt.Sprintf("search type %q is not available", requested),
		AvailableSearchTypes: available,
	}
}

// KindOf returns the Kind carried by err, or KindInternal for plain errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// As extracts the *Error from err, if present.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
