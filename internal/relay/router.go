package relay

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/internal/metrics"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

// Router forwards opaque signaling payloads between registered peers.
type Router struct {
	registry *Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a Router resolving targets in registry.
func NewRouter(registry *Registry, log *zap.Logger, m *metrics.Metrics) *Router {
	log = logging.OrNop(log)
	return &Router{registry: registry, log: log, metrics: m}
}

// Forward delivers payload to the peer registered as to, tagged with from.
//
// It returns ErrTargetNotFound when to is not registered and
// ErrDeliveryFailed, joined with the SendResult's error, when the target's
// outbox refused the message; in the latter case the target is released
// from the registry.
func (rt *Router) Forward(from, to string, payload json.RawMessage) error {
	target, ok := rt.registry.Lookup(to)
	if !ok {
		rt.metrics.Signal(metrics.SignalNotFound)
		return fmt.Errorf("%w: %s", ErrTargetNotFound, to)
	}

	msg := protocol.NewSignal(from, payload)
	data, err := msg.Encode()
	if err != nil {
		rt.metrics.Signal(metrics.SignalFailed)
		return fmt.Errorf("encode signal for %s: %w", to, err)
	}

	if res := target.Deliver(data); !res.OK() {
		rt.metrics.Signal(metrics.SignalFailed)
		rt.log.Debug("signal not delivered",
			zap.String("from", from),
			zap.String("to", to),
			zap.Stringer("result", res))
		rt.registry.Release(to, target)
		return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, to, res.Err())
	}

	rt.metrics.Signal(metrics.SignalDelivered)
	rt.log.Debug("signal forwarded", zap.String("from", from), zap.String("to", to))
	return nil
}
