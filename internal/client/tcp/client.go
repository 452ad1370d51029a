// Package tcp provides a TCP client for the signaling relay.
package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/client"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

// Client represents a TCP signaling client speaking newline-delimited JSON.
type Client struct {
	address  string
	retries  uint64
	log      *zap.Logger
	dialer   net.Dialer
	messages chan protocol.Message

	mu      sync.RWMutex
	conn    net.Conn
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

// New creates a new Client instance for a host:port address.
func New(address string, opts ...Option) *Client {
	c := &Client{
		address:  address,
		retries:  client.DialRetries,
		log:      zap.NewNop(),
		dialer:   net.Dialer{Timeout: 5 * time.Second, KeepAlive: 15 * time.Second},
		messages: make(chan protocol.Message, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes a connection to the relay.
func (c *Client) Connect(ctx context.Context) error {
	var conn net.Conn
	err := client.Dial(ctx, c.retries, c.log, func() error {
		var err error
		conn, err = c.dialer.DialContext(ctx, "tcp", c.address)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Start receiving messages
	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect closes the connection to the relay.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) Register(peerID string) error {
	return c.send(protocol.NewRegister(peerID))
}

func (c *Client) Signal(to string, data json.RawMessage) error {
	return c.send(protocol.NewSignalRequest(to, data))
}

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
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

func (c *Client) receiveMessages(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.messages)
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg protocol.Message
		if err := msg.Decode(line); err != nil {
			c.log.Warn("failed to decode message", zap.Error(err))
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}

	select {
	case <-c.done:
	default:
		c.log.Info("connection to relay closed", zap.Error(scanner.Err()))
	}
}
