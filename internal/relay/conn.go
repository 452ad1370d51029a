// Package relay provides the signaling core shared by all transports: the
// peer registry, directory broadcasts, signal routing and the per-connection
// session state machine.
package relay

import (
	"context"
	"fmt"
)

// Conn abstracts a message-oriented bidirectional connection for both TCP and WebSocket.
// This interface isolates transport details from relay logic.
type Conn interface {
	// Read reads a single message frame (JSON bytes).
	// Returns an error once the connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame (JSON bytes).
	Write(ctx context.Context, data []byte) error

	// Close closes the connection. It may be called more than once.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// SendResult is the outcome of handing a message to an Outbox.
type SendResult uint8

const (
	SendOK SendResult = iota
	// SendClosed means the owning session already terminated.
	SendClosed
	// SendOverflow means the outbound queue was full; the owner closes itself.
	SendOverflow
)

// OK reports whether the message was accepted for delivery.
func (r SendResult) OK() bool { return r == SendOK }

// Err returns the sentinel error for a failed delivery, or nil.
func (r SendResult) Err() error {
	switch r {
	case SendOK:
		return nil
	case SendClosed:
		return ErrSessionClosed
	case SendOverflow:
		return ErrQueueFull
	default:
		return fmt.Errorf("relay: send result %d", uint8(r))
	}
}

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendClosed:
		return "closed"
	case SendOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Outbox is the delivery handle the Registry keeps for a registered peer.
// The registry never owns the connection behind it.
type Outbox interface {
	// Deliver queues an encoded message without blocking.
	Deliver(data []byte) SendResult
}

// Displacer is implemented by outboxes that want to learn when another
// connection registers under their identifier.
type Displacer interface {
	Displaced(peerID string, evict bool)
}
