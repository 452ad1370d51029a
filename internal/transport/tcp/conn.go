// Package tcp provides the newline-delimited JSON transport for the relay.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// DefaultMaxMessageSize bounds a single line when no limit is configured.
const DefaultMaxMessageSize = 1 << 20

// Conn adapts net.Conn to relay.Conn. Each message is one line of JSON.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex
}

// NewConn wraps a net.Conn. maxSize limits a single line; zero selects
// DefaultMaxMessageSize.
func NewConn(conn net.Conn, maxSize int) *Conn {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, maxSize)), maxSize)
	return &Conn{conn: conn, scanner: scanner}
}

// Read implements relay.Conn.
// Reads the next non-empty line from the TCP connection.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for c.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}
	return nil, io.EOF
}

// Write implements relay.Conn.
// Writes data followed by a newline. Single-line frames are sent as is;
// frames spanning lines are compacted, which changes payload whitespace.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return fmt.Errorf("compact frame: %w", err)
		}
		data = buf.Bytes()
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(line)
	return err
}

// Close implements relay.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
