// Package apperr defines the error kinds shared by the hub's components.
//
// Lifecycle operations return these synchronously to their caller. The relay
// only logs them. Use KindOf to recover the kind from a wrapped chain.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration is a missing or invalid setting, e.g. an unset credential.
	KindConfiguration
	// KindResource is an exhausted or unreachable resource: no free ports, no container daemon.
	KindResource
	// KindIO is a persistence failure.
	KindIO
	// KindProtocol is a malformed or unrecognized envelope.
	KindProtocol
	// KindNotFound is a lookup for an unknown sandbox or agent.
	KindNotFound
	// KindInvalid is a request rejected by argument validation.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindResource:
		return "resource"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is the hub's coded error type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsResource reports whether err is a KindResource error.
func IsResource(err error) bool { return KindOf(err) == KindResource }

// IsConfiguration reports whether err is a KindConfiguration error.
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
