// Package errs defines the closed error taxonomy shared by every layer of the
// tunnel core. Callers branch on Kind and Retryable rather than on error text.
package errs

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Kind classifies an error by the layer and policy that handles it.
type Kind int

const (
	// Unknown is reported for errors that did not originate in this module.
	Unknown Kind = iota
	// Transport covers socket bind, send and receive failures.
	Transport
	// Protocol covers malformed messages, unsupported versions and bad signatures.
	Protocol
	// Handshake covers discovery timeouts and NAT traversal failures.
	Handshake
	// Circuit covers rejected extends, hop timeouts and heartbeat misses.
	Circuit
	// Validation covers out-of-range inputs to counters and thresholds.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Handshake:
		return "handshake"
	case Circuit:
		return "circuit"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a non-retryable error of the given kind.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: oops.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing cause. It returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Temporary returns a retryable error of the given kind.
func Temporary(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: true, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
