package pnshare

import (
	"errors"
	"fmt"
)

// Sentinel causes for the error taxonomy. Wrapper types below add context;
// callers classify with errors.Is against these values.
var (
	// ErrIdentityRejected means the peer's identity was not in the allowed set,
	// or its transcript signature did not verify.
	ErrIdentityRejected = errors.New("identity rejected")

	// ErrHandshakeTimeout means the handshake did not complete within the
	// configured bound.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHandshakeMalformed means a handshake record could not be parsed.
	ErrHandshakeMalformed = errors.New("malformed handshake")

	// ErrAuthenticationFailed means an AEAD open failed or a record arrived
	// with an unexpected sequence counter. Always fatal to the session.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrChannelClosed means the secure channel has been closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrMalformedFrame means a decrypted record could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrNoSuchAddress means an envelope was routed to an unregistered address.
	ErrNoSuchAddress = errors.New("no such address")

	// ErrAddressConflict means a worker tried to register an address that is
	// already bound.
	ErrAddressConflict = errors.New("address conflict")

	// ErrNoRoute means the leading hop of a remote address names no known link.
	ErrNoRoute = errors.New("no route to hop")

	// ErrDialFailed means an outlet could not reach its target service.
	ErrDialFailed = errors.New("dial failed")

	// ErrAcceptFailed means an inlet listener failed to accept.
	ErrAcceptFailed = errors.New("accept failed")

	// ErrOpenTimeout means no acknowledgment for a connection-open arrived in time.
	ErrOpenTimeout = errors.New("open timeout")

	// ErrPeerReset means the remote portal session terminated abnormally.
	ErrPeerReset = errors.New("peer reset")

	// ErrReorderOverflow means a session exceeded its out-of-order frame
	// buffering bound. Treated as a protocol violation.
	ErrReorderOverflow = errors.New("reorder buffer overflow")
)

// HandshakeError is fatal to the session being established; it is never
// silently retried by the core.
type HandshakeError struct {
	Cause  error
	Detail string
}

func (e *HandshakeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("handshake: %s", e.Cause)
	}
	return fmt.Sprintf("handshake: %s: %s", e.Cause, e.Detail)
}

func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// ChannelError is an error on an established secure channel. An
// ErrAuthenticationFailed cause destroys the session.
type ChannelError struct {
	Cause  error
	Detail string
}

func (e *ChannelError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("secure channel: %s", e.Cause)
	}
	return fmt.Sprintf("secure channel: %s: %s", e.Cause, e.Detail)
}

func (e *ChannelError) Unwrap() error {
	return e.Cause
}

// RoutingError is returned to the caller of Route/Register; it never causes
// node-wide failure.
type RoutingError struct {
	Cause error
	Addr  Address
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing: %s: %q", e.Cause, string(e.Addr))
}

func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// PortalError terminates only the affected portal session and is reported
// upward as a connection-level failure.
type PortalError struct {
	Cause  error
	Detail string
}

func (e *PortalError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("portal: %s", e.Cause)
	}
	return fmt.Sprintf("portal: %s: %s", e.Cause, e.Detail)
}

func (e *PortalError) Unwrap() error {
	return e.Cause
}
