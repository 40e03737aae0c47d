// Package waerror defines the error taxonomy shared across wacore, per the
// propagation rules of the error handling design: transport and handshake
// failures are fatal to the whole session, everything else is scoped to a
// single message, collection, or pending request.
package waerror

import "fmt"

// Kind classifies an Error for dispatch by session.Config.OnError and by
// callers deciding whether to keep the session alive.
type Kind int

const (
	// KindTransport covers I/O and WebSocket errors. Fatal.
	KindTransport Kind = iota
	// KindHandshakeFailure covers cipher/protobuf/DH failures during the
	// Noise handshake. Fatal.
	KindHandshakeFailure
	// KindDecryptionFailure is per-message. The message is dropped, a
	// delivery ack is still sent, a retry receipt may be scheduled.
	KindDecryptionFailure
	// KindMacMismatch is an app-state pull MAC failure. The affected
	// collection's local state is reset and the pull retried.
	KindMacMismatch
	// KindProtocolError covers a malformed node or missing required
	// attribute. The node is dropped, the session continues.
	KindProtocolError
	// KindRequestTimeout is an iq without a matching reply in time. The
	// waiter fails; the session stays open.
	KindRequestTimeout
	// KindSessionClosed is propagated to every pending waiter on close.
	KindSessionClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHandshakeFailure:
		return "handshake-failure"
	case KindDecryptionFailure:
		return "decryption-failure"
	case KindMacMismatch:
		return "mac-mismatch"
	case KindProtocolError:
		return "protocol-error"
	case KindRequestTimeout:
		return "request-timeout"
	case KindSessionClosed:
		return "session-closed"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this Kind terminate the whole session, as
// opposed to being scoped to a single message/collection/request.
func (k Kind) Fatal() bool {
	switch k {
	case KindTransport, KindHandshakeFailure, KindSessionClosed:
		return true
	default:
		return false
	}
}

// Error wraps a classified failure with its underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

// New constructs an Error of the given Kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Sink receives classified session errors. Implementations must not block
// the reader loop that invokes them.
type Sink interface {
	OnError(*Error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(*Error)

func (f SinkFunc) OnError(e *Error) {
	f(e)
}
