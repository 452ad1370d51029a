// Package ws provides the WebSocket transport for the relay.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrMessageTooLarge is returned by Read when a message exceeds the limit.
var ErrMessageTooLarge = errors.New("ws: message too large")

// errPeerClosed ends Read after a close frame. It must not equal io.EOF: a
// close between fragments fails the pending message.
var errPeerClosed = fmt.Errorf("ws: peer closed connection: %w", io.EOF)

const closeWriteTimeout = time.Second

// Conn adapts a server-side gobwas/ws connection to relay.Conn.
//
// Control frames are answered while reading. Data frames are written as
// text; both text and binary frames are accepted.
type Conn struct {
	conn       net.Conn
	reader     *wsutil.Reader
	remoteAddr string
	maxSize    int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	pongs     chan struct{}
}

// NewConn wraps an upgraded connection. br holds any bytes buffered during
// the handshake and may be nil. maxSize limits inbound messages; zero
// disables the limit.
func NewConn(conn net.Conn, br *bufio.Reader, maxSize int64) *Conn {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c := &Conn{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		maxSize:    maxSize,
		pongs:      make(chan struct{}, 1),
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxSize,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read implements relay.Conn.
// Reads one complete text or binary message, answering control frames on the way.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readError(err)
		}

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		return c.readMessage()
	}
}

func (c *Conn) readMessage() ([]byte, error) {
	var src io.Reader = c.reader
	if c.maxSize > 0 {
		src = io.LimitReader(c.reader, c.maxSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, c.readError(err)
	}
	if c.maxSize > 0 && int64(len(data)) > c.maxSize {
		return nil, c.tooLarge()
	}
	return data, nil
}

// readError maps reader failures; a single frame over the limit is reported
// like an oversized fragmented message.
func (c *Conn) readError(err error) error {
	if errors.Is(err, wsutil.ErrFrameTooLarge) {
		return c.tooLarge()
	}
	return err
}

func (c *Conn) tooLarge() error {
	_ = c.closeWith(ws.StatusMessageTooBig, "message too large")
	return fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, c.maxSize)
}

func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.OpPong, payload, time.Time{})
	case ws.OpPong:
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	case ws.OpClose:
		code, _ := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNormalClosure
		}
		_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(code, ""), time.Now().Add(closeWriteTimeout))
		return errPeerClosed
	default:
		return nil
	}
}

// Write implements relay.Conn.
// Writes data as a single text frame, honouring the context deadline.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	return c.writeFrame(ws.OpText, data, deadline)
}

// Ping sends a ping frame.
func (c *Conn) Ping() error {
	return c.writeFrame(ws.OpPing, nil, time.Now().Add(closeWriteTimeout))
}

// Pongs signals every pong frame received by Read.
func (c *Conn) Pongs() <-chan struct{} {
	return c.pongs
}

func (c *Conn) writeFrame(op ws.OpCode, p []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, op, p)
}

// Close implements relay.Conn.
func (c *Conn) Close() error {
	return c.closeWith(ws.StatusNormalClosure, "")
}

// closeWith sends a close frame when no write is in flight and closes the
// underlying connection.
func (c *Conn) closeWith(code ws.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
			c.writeMu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
