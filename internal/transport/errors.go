package transport

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions: retry, surface, or skip.
type Kind int

const (
	// KindTransient covers network failures, timeouts and temporary 5xx.
	// Retried with backoff.
	KindTransient Kind = iota
	// KindAuth covers 401s. Never retried.
	KindAuth
	// KindProtocol covers malformed responses and 4xx other than auth.
	KindProtocol
	// KindLocalIO covers client-side file errors discovered mid-call.
	KindLocalIO
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindLocalIO:
		return "local_io"
	default:
		return "unknown"
	}
}

// Error is a transport failure tagged with its kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from err, defaulting to KindTransient for plain
// network-level errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}
