package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/internal/metrics"
	"github.com/omochice/peer-signal-relay/internal/relay"
)

// Config holds the WebSocket server settings.
type Config struct {
	Address        string
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxMessageSize int64

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer, when set, is exposed on /metrics.
	Gatherer prometheus.Gatherer
}

// Server accepts WebSocket connections and serves each one as a relay session.
type Server struct {
	cfg    Config
	relay  *relay.Relay
	log    *zap.Logger
	router *mux.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a WebSocket server that serves sessions from r.
func New(cfg Config, r *relay.Relay) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.Logger = logging.OrNop(cfg.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		relay:  r,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/", s.handleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Unlock()

	s.log.Info("websocket server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Serve accepts connections until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, listener := s.server, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("ws: server is not listening")
	}

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens and serves, blocking until the server stops.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting connections, closes every session and waits for
// them to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Stop shuts the server down without a deadline.
func (s *Server) Stop() {
	_ = s.Shutdown(context.Background())
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("failed to upgrade connection",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}

	var conn *Conn
	if rw != nil {
		conn = NewConn(netConn, rw.Reader, s.cfg.MaxMessageSize)
	} else {
		conn = NewConn(netConn, nil, s.cfg.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	ka := &keepAlive{
		conn:     conn,
		clock:    s.cfg.Clock,
		interval: s.cfg.PingInterval,
		timeout:  s.cfg.PingTimeout,
		log:      s.log.With(zap.String("remote", conn.RemoteAddr())),
		metrics:  s.cfg.Metrics,
	}
	kaDone := ka.start(ctx)

	err = s.relay.Serve(ctx, conn)
	cancel()
	<-kaDone

	s.log.Debug("websocket connection finished",
		zap.String("remote", conn.RemoteAddr()),
		zap.Error(err))
}

type healthResponse struct {
	Status   string `json:"status"`
	Peers    int    `json:"peers"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		Status:   "ok",
		Peers:    s.relay.PeerCount(),
		Sessions: s.relay.SessionCount(),
	})
}

type peersResponse struct {
	Peers []string `json:"peers"`
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := s.relay.Registry().Snapshot()
	if peers == nil {
		peers = []string{}
	}
	writeJSON(w, peersResponse{Peers: peers})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
