package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/internal/metrics"
)

// DuplicatePolicy decides what happens when a peer registers an identifier
// that another connection already holds.
type DuplicatePolicy string

const (
	// DuplicateReplace rebinds the identifier and leaves the previous
	// connection open, unregistered.
	DuplicateReplace DuplicatePolicy = "replace"
	// DuplicateEvict rebinds the identifier and closes the previous connection.
	DuplicateEvict DuplicatePolicy = "evict"
	// DuplicateReject refuses the new registration with an error message.
	DuplicateReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy parses a policy name.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(s); p {
	case DuplicateReplace, DuplicateEvict, DuplicateReject:
		return p, nil
	case "":
		return DuplicateReplace, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// Config tunes sessions created by a Relay.
type Config struct {
	// QueueSize is the outbound queue length per connection.
	QueueSize int
	// WriteTimeout bounds a single frame write; zero disables it.
	WriteTimeout    time.Duration
	DuplicatePolicy DuplicatePolicy
}

// DefaultConfig returns the session settings used when none are given.
func DefaultConfig() Config {
	return Config{
		QueueSize:       64,
		WriteTimeout:    10 * time.Second,
		DuplicatePolicy: DuplicateReplace,
	}
}

// Relay wires the registry, broadcaster and router shared by every
// transport. Both the WebSocket and TCP servers share a single Relay.
type Relay struct {
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	registry *Registry
	router   *Router
	sessions atomic.Int64
}

// Option configures a Relay.
type Option func(*Relay)

func WithLogger(log *zap.Logger) Option {
	return func(r *Relay) { r.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithClock sets the clock used to timestamp peers_update messages.
func WithClock(clk clock.Clock) Option {
	return func(r *Relay) { r.clock = clk }
}

// New creates a Relay.
func New(cfg Config, opts ...Option) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateReplace
	}

	r := &Relay{cfg: cfg, clock: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrNop(r.log)

	b := NewBroadcaster(r.clock, r.log.Named("broadcast"), r.metrics)
	r.registry = NewRegistry(b, r.log.Named("registry"), r.metrics)
	r.router = NewRouter(r.registry, r.log.Named("router"), r.metrics)
	return r
}

// Registry returns the shared peer registry.
func (r *Relay) Registry() *Registry { return r.registry }

// NewSession creates a session owning conn.
func (r *Relay) NewSession(conn Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		conn:         conn,
		registry:     r.registry,
		router:       r.router,
		policy:       r.cfg.DuplicatePolicy,
		writeTimeout: r.cfg.WriteTimeout,
		log: r.log.Named("session").With(
			zap.String("session_id", id),
			zap.String("remote", conn.RemoteAddr())),
		metrics:  r.metrics,
		outgoing: make(chan []byte, r.cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Serve runs a new session for conn until it reaches CLOSED.
func (r *Relay) Serve(ctx context.Context, conn Conn) error {
	r.sessions.Add(1)
	defer r.sessions.Add(-1)
	return r.NewSession(conn).Run(ctx)
}

// SessionCount returns the number of sessions currently being served.
func (r *Relay) SessionCount() int {
	return int(r.sessions.Load())
}

// PeerCount returns the number of registered peers.
func (r *Relay) PeerCount() int {
	return r.registry.Len()
}
