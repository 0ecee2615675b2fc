package p2p

import "errors"

var (
	// ErrHandshakeTimeout indicates the version/verack exchange did not
	// complete within the configured window.
	ErrHandshakeTimeout = errors.New("p2p: handshake timeout")

	// ErrProtocolViolation indicates a structural envelope violation: bad
	// magic, checksum mismatch or an oversized declared length.
	ErrProtocolViolation = errors.New("p2p: protocol violation")

	// ErrQueueFull indicates the peer's outbound queue overflowed.
	ErrQueueFull = errors.New("p2p: peer outbound queue full")

	// ErrDirectoryClosed indicates an operation on a closed directory.
	ErrDirectoryClosed = errors.New("p2p: directory closed")
)

// Reason is the closed set of session termination causes. It doubles as
// the outcome reported to the peer directory.
type Reason uint8

const (
	ReasonPeerClosed Reason = iota
	ReasonNetworkError
	ReasonHandshakeTimeout
	ReasonProtocolViolation
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonPeerClosed:
		return "peer_closed"
	case ReasonNetworkError:
		return "network_error"
	case ReasonHandshakeTimeout:
		return "handshake_timeout"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Outcome is what a finished connection attempt reports back to the
// directory.
type Outcome struct {
	HandshakeOK bool
	Reason      Reason
}
