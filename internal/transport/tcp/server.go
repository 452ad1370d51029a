package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/internal/relay"
)

// Config holds the TCP server settings.
type Config struct {
	Address string
	// KeepAliveIdle and KeepAliveInterval tune TCP keep-alive probes. A
	// connection that misses one probe is dropped by the kernel.
	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration
	MaxMessageSize    int
	Logger            *zap.Logger
}

// Server accepts TCP connections and serves each one as a relay session.
type Server struct {
	cfg   Config
	relay *relay.Relay
	log   *zap.Logger

	mu       sync.Mutex
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a TCP server that serves sessions from r.
func New(cfg Config, r *relay.Relay) *Server {
	cfg.Logger = logging.OrNop(cfg.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		relay:  r,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     s.cfg.KeepAliveIdle,
			Interval: s.cfg.KeepAliveInterval,
			Count:    1,
		},
	}
	listener, err := lc.Listen(s.ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("tcp server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Serve accepts connections until Stop. It returns nil after a clean stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("tcp: server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("failed to accept TCP connection", zap.Error(err))
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
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
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
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

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	conn := NewConn(nc, s.cfg.MaxMessageSize)
	err := s.relay.Serve(s.ctx, conn)
	s.log.Debug("tcp connection finished",
		zap.String("remote", conn.RemoteAddr()),
		zap.Error(err))
}
