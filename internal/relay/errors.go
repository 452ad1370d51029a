package relay

import "errors"

var (
	ErrTargetNotFound = errors.New("relay: target not found")
	ErrDeliveryFailed = errors.New("relay: delivery failed")
	ErrDuplicatePeer  = errors.New("relay: duplicate peer")
	ErrEmptyPeerID    = errors.New("relay: empty peer id")
	ErrSessionClosed  = errors.New("relay: session closed")
	ErrQueueFull      = errors.New("relay: outbound queue full")
)
