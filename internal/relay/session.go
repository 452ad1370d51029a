package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/metrics"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateConnected is the initial, unregistered state.
	StateConnected State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateRegistered:
		return "REGISTERED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session owns one connection: it decodes inbound messages, dispatches them
// to the registry and router, and releases its registration exactly once
// when the connection ends.
type Session struct {
	id           string
	conn         Conn
	registry     *Registry
	router       *Router
	policy       DuplicatePolicy
	writeTimeout time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics

	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	state  State
	peerID string
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the identifier the session is registered under, or "".
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRegistered {
		return ""
	}
	return s.peerID
}

// Run serves the connection until it closes, fails, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()
	s.log.Debug("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	err := s.readLoop(ctx)
	stop()

	s.terminate()
	cancel()
	<-writerDone

	s.log.Debug("session closed", zap.Error(err))
	return err
}

// Deliver implements Outbox. A full queue fails the delivery and closes the
// connection; the session then terminates through its normal path.
func (s *Session) Deliver(data []byte) SendResult {
	select {
	case <-s.done:
		return SendClosed
	default:
	}

	select {
	case s.outgoing <- data:
		return SendOK
	default:
		s.log.Warn("outbound queue full, closing connection")
		go s.conn.Close()
		return SendOverflow
	}
}

// Displaced implements Displacer. The session gives up peerID; with evict
// set it also tells its peer and closes once the notice is written.
func (s *Session) Displaced(peerID string, evict bool) {
	s.mu.Lock()
	if s.state != StateRegistered || s.peerID != peerID {
		s.mu.Unlock()
		return
	}
	if cur, ok := s.registry.Lookup(peerID); ok && cur == Outbox(s) {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.peerID = ""
	s.mu.Unlock()

	s.log.Info("registration taken over by another connection",
		zap.String("peer_id", peerID),
		zap.Bool("evict", evict))

	if !evict {
		return
	}
	s.send(protocol.NewError(fmt.Sprintf("Peer %s was registered by another connection", peerID)))
	if !s.Deliver(nil).OK() {
		_ = s.conn.Close()
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	var msg protocol.Message
	if err := msg.Decode(data); err != nil {
		s.metrics.DecodeFailed()
		s.log.Warn("failed to decode message", zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.MessageTypeRegister:
		s.handleRegister(msg.PeerID)
	case protocol.MessageTypeSignal:
		s.handleSignal(&msg)
	case protocol.MessageTypePing:
		s.send(protocol.NewPong())
	default:
		if !msg.Type.Known() {
			s.log.Debug("ignoring unknown message type", zap.Stringer("type", msg.Type))
			return
		}
		s.log.Debug("ignoring message not sent by peers", zap.Stringer("type", msg.Type))
	}
}

func (s *Session) handleRegister(peerID string) {
	if peerID == "" {
		s.log.Debug("ignoring register without peer id")
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	previous := s.peerID
	wasRegistered := s.state == StateRegistered
	s.state = StateRegistered
	s.peerID = peerID
	s.mu.Unlock()

	if wasRegistered && previous != peerID {
		s.registry.Release(previous, s)
	}

	registered := protocol.NewRegistered(peerID)
	ack, err := registered.Encode()
	if err != nil {
		s.log.Error("failed to encode registered", zap.Error(err))
		return
	}

	exclusive := s.policy == DuplicateReject
	prev, err := s.registry.insert(peerID, s, exclusive, ack)
	if err != nil {
		s.mu.Lock()
		if s.state == StateRegistered && s.peerID == peerID {
			s.state = StateConnected
			s.peerID = ""
		}
		s.mu.Unlock()
		s.log.Info("registration refused", zap.String("peer_id", peerID), zap.Error(err))
		s.send(protocol.NewError(fmt.Sprintf("Peer %s is already registered", peerID)))
		return
	}

	s.log.Info("session registered", zap.String("peer_id", peerID))

	if d, ok := prev.(Displacer); ok {
		d.Displaced(peerID, s.policy == DuplicateEvict)
	}
}

func (s *Session) handleSignal(msg *protocol.Message) {
	if msg.To == "" || !msg.HasData() {
		s.log.Debug("dropping signal without target or data")
		return
	}

	from := s.PeerID()
	if from == "" {
		s.log.Debug("dropping signal from unregistered session", zap.String("to", msg.To))
		return
	}

	if err := s.router.Forward(from, msg.To, msg.Data); err != nil {
		s.log.Info("signal routing failed", zap.String("to", msg.To), zap.Error(err))
		s.send(protocol.NewError(protocol.SignalFailure(msg.To)))
	}
}

func (s *Session) send(msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		s.log.Error("failed to encode message", zap.Stringer("type", msg.Type), zap.Error(err))
		return
	}
	s.Deliver(data)
}

// writeLoop drains the outbound queue. A nil entry asks it to close the
// connection after everything queued before it has been written.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outgoing:
			if data == nil {
				_ = s.conn.Close()
				return
			}
			if err := s.write(ctx, data); err != nil {
				s.log.Debug("failed to write to connection", zap.Error(err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) write(ctx context.Context, data []byte) error {
	if s.writeTimeout <= 0 {
		return s.conn.Write(ctx, data)
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, data)
}

// terminate moves the session to CLOSED and releases its registration.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		peerID := s.peerID
		registered := s.state == StateRegistered
		s.state = StateClosed
		s.mu.Unlock()

		if registered {
			s.registry.Release(peerID, s)
		}
		_ = s.conn.Close()
	})
}
