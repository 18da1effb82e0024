package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerUnknown indicates the target identity is absent from the registry.
	ErrPeerUnknown = errors.New("p2p: unknown peer")
	// ErrPeerBanned indicates the peer is inside an active ban window.
	ErrPeerBanned = errors.New("p2p: peer is banned")
	// ErrDialTargetEmpty indicates an empty dial target was supplied.
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
	// ErrInvalidAddress indicates a dial target that does not parse as host:port.
	ErrInvalidAddress = errors.New("p2p: invalid dial address")
	// ErrTimeout is returned when a request/response exchange or handshake
	// misses its deadline. Recoverable; the caller may retry.
	ErrTimeout = errors.New("p2p: timeout")
	// ErrQueueFull is returned by non-blocking sends when the per-connection
	// outbound queue is at capacity.
	ErrQueueFull = errors.New("p2p: peer outbound queue full")
	// ErrMessageTooLarge is returned for frames exceeding the configured
	// max_message_size, inbound or outbound.
	ErrMessageTooLarge = errors.New("p2p: message exceeds size limit")
	// ErrServerClosed is returned for operations on a stopped server.
	ErrServerClosed = errors.New("p2p: server closed")

	errInvalidTarget = errors.New("p2p: lookup target is not a node ID")
	errPexOverflow   = errors.New("p2p: peer exchange reply exceeds entry bound")
)

// HandshakeError wraps any failure between the TCP accept/dial and the
// completion of the authenticated key exchange. The connection is dropped and
// the peer penalized; the same peer is not redialed immediately.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("p2p: handshake %s: %v", e.Reason, e.Err)
	}
	return "p2p: handshake " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func handshakeErrf(reason string, format string, args ...any) *HandshakeError {
	return &HandshakeError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ProtocolViolation marks traffic that breaks the wire protocol: oversized or
// malformed frames, bad payloads, replayed nonces. It drives a reputation
// penalty and usually a disconnect.
type ProtocolViolation struct {
	Kind string
	Err  error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("p2p: protocol violation (%s): %v", e.Kind, e.Err)
	}
	return "p2p: protocol violation (" + e.Kind + ")"
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// IsProtocolViolation reports whether err carries a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

// DiscoverySourceError reports a failed discovery source (DNS seed, STUN,
// UPnP). Never fatal; the source is retried with backoff.
type DiscoverySourceError struct {
	Source string
	Err    error
}

func (e *DiscoverySourceError) Error() string {
	return fmt.Sprintf("p2p: discovery source %s: %v", e.Source, e.Err)
}

func (e *DiscoverySourceError) Unwrap() error { return e.Err }
