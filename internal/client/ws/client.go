// Package ws provides a WebSocket client for the signaling relay.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/client"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// Client represents a WebSocket signaling client.
type Client struct {
	address  string
	retries  uint64
	log      *zap.Logger
	dialer   *websocket.Dialer
	messages chan protocol.Message

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithRetries sets how many times Connect retries a failed dial.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// New creates a new WebSocket Client for a ws:// or wss:// URL.
func New(address string, opts ...Option) *Client {
	c := &Client{
		address:  address,
		retries:  client.DialRetries,
		log:      zap.NewNop(),
		dialer:   websocket.DefaultDialer,
		messages: make(chan protocol.Message, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes a WebSocket connection to the relay.
func (c *Client) Connect(ctx context.Context) error {
	var conn *websocket.Conn
	err := client.Dial(ctx, c.retries, c.log, func() error {
		var err error
		conn, _, err = c.dialer.DialContext(ctx, c.address, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect closes the WebSocket connection.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Register claims peerID on the relay.
func (c *Client) Register(peerID string) error {
	return c.send(protocol.NewRegister(peerID))
}

// Signal asks the relay to forward data to the peer registered as to.
func (c *Client) Signal(to string, data json.RawMessage) error {
	return c.send(protocol.NewSignalRequest(to, data))
}

// Ping sends an application-level ping; the relay answers with a pong.
func (c *Client) Ping() error {
	return c.send(protocol.NewPing())
}

// Messages returns the channel for receiving messages.
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

func (c *Client) send(msg protocol.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return client.ErrNotConnected
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.messages)
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Info("connection to relay closed", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := msg.Decode(data); err != nil {
			c.log.Warn("failed to decode message", zap.Error(err))
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}
