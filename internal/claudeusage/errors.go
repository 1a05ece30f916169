package claudeusage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a usage fetch failed.
type ErrorKind int

const (
	KindUnreachable ErrorKind = iota
	KindUnauthorized
	KindServerError
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindUnauthorized:
		return "unauthorized"
	case KindServerError:
		return "server_error"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to
// KindUnreachable.
func ParseErrorKind(s string) ErrorKind {
	for _, k := range []ErrorKind{KindUnauthorized, KindServerError, KindMalformedResponse} {
		if k.String() == s {
			return k
		}
	}
	return KindUnreachable
}

// ErrNoToken is wrapped by the Unauthorized error returned when no token has
// been configured at all.
var ErrNoToken = errors.New("no oauth token configured")

// FetchError is the only error type FetchUsage returns.
type FetchError struct {
	Kind   ErrorKind
	Status int // HTTP status, zero when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("usage fetch %s (HTTP %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("usage fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, or KindUnreachable for errors that
// did not come from this package.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnreachable
}

func fetchErr(kind ErrorKind, status int, err error) *FetchError {
	return &FetchError{Kind: kind, Status: status, Err: err}
}
