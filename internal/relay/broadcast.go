package relay

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/internal/metrics"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

// Member is one registry entry as seen by the Broadcaster.
type Member struct {
	ID     string
	Outbox Outbox
}

// Broadcaster publishes the peer directory to registered connections.
type Broadcaster struct {
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewBroadcaster creates a Broadcaster stamping updates with clk.
func NewBroadcaster(clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if clk == nil {
		clk = clock.New()
	}
	log = logging.OrNop(log)
	return &Broadcaster{clock: clk, log: log, metrics: m}
}

// Broadcast sends one peers_update listing every member, in order, to every
// member. Nothing is sent when members is empty. Members whose delivery
// failed are returned; delivery to the others is unaffected.
func (b *Broadcaster) Broadcast(members []Member) []Member {
	if len(members) == 0 {
		return nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}

	update := protocol.NewPeersUpdate(ids, b.clock.Now())
	data, err := update.Encode()
	if err != nil {
		b.log.Error("failed to encode peers update", zap.Error(err))
		return nil
	}

	var failed []Member
	for _, m := range members {
		if res := m.Outbox.Deliver(data); !res.OK() {
			b.log.Debug("peers update not delivered",
				zap.String("peer_id", m.ID),
				zap.Stringer("result", res))
			failed = append(failed, m)
		}
	}

	b.metrics.Broadcast(len(failed))
	return failed
}
