// Package metrics exposes Prometheus instrumentation for the relay.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signal_relay"

// Signal forwarding outcomes.
const (
	SignalDelivered = "delivered"
	SignalNotFound  = "not_found"
	SignalFailed    = "failed"
)

// Metrics holds the relay collectors.
type Metrics struct {
	sessions          prometheus.Gauge
	peers             prometheus.Gauge
	broadcasts        prometheus.Counter
	broadcastFailures prometheus.Counter
	signals           *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	keepAliveTimeouts prometheus.Counter
}

// New registers the relay collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of open connection sessions.",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_peers",
			Help:      "Number of peer identifiers in the registry.",
		}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_broadcasts_total",
			Help:      "Number of peers_update broadcasts sent.",
		}),
		broadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_broadcast_failures_total",
			Help:      "Number of peers_update deliveries that failed.",
		}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Number of signal forwarding attempts by result.",
		}, []string{"result"}),
		decodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Number of inbound frames that could not be decoded.",
		}),
		keepAliveTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_timeouts_total",
			Help:      "Number of connections closed for missing a keep-alive pong.",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// SetPeers records the registry size after a mutation.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// Broadcast records one peers_update broadcast and the number of failed recipients.
func (m *Metrics) Broadcast(failed int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.broadcastFailures.Add(float64(failed))
}

// Signal records the outcome of a forwarding attempt.
func (m *Metrics) Signal(result string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(result).Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) KeepAliveExpired() {
	if m == nil {
		return
	}
	m.keepAliveTimeouts.Inc()
}
