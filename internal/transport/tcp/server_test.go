package tcp_test

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/peer-signal-relay/internal/relay"
	"github.com/omochice/peer-signal-relay/internal/transport/tcp"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

func startServer(t *testing.T, r *relay.Relay) *tcp.Server {
	t.Helper()
	srv := tcp.New(tcp.Config{
		Address:           "127.0.0.1:0",
		KeepAliveIdle:     20 * time.Second,
		KeepAliveInterval: 10 * time.Second,
		Logger:            zaptest.NewLogger(t),
	}, r)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Stop()
		assert.NoError(t, <-served)
	})
	return srv
}

type lineClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, srv *tcp.Server) *lineClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &lineClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (c *lineClient) receive(t *testing.T) protocol.Message {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, msg.Decode(line))
	return msg
}

func TestServer_Addr(t *testing.T) {
	srv := startServer(t, relay.New(relay.DefaultConfig()))

	addr := srv.Addr()
	if addr == "" {
		t.Error("Addr() returned empty string")
	}
}

func TestServer_Stop(t *testing.T) {
	srv := tcp.New(tcp.Config{Address: "127.0.0.1:0"}, relay.New(relay.DefaultConfig()))
	require.NoError(t, srv.Listen())
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	srv.Stop()
	require.NoError(t, <-served)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "session closed by stop")

	_, err = net.Dial("tcp", srv.Addr())
	assert.Error(t, err, "dial after stop")
}

func TestServer_Serve_NotListening(t *testing.T) {
	srv := tcp.New(tcp.Config{}, relay.New(relay.DefaultConfig()))
	assert.Error(t, srv.Serve())
}

func TestServer_SignalingScenario(t *testing.T) {
	srv := startServer(t, relay.New(relay.DefaultConfig()))
	p1 := dial(t, srv)
	p2 := dial(t, srv)

	p1.send(t, protocol.NewRegister("p1"))
	assert.Equal(t, protocol.MessageTypeRegistered, p1.receive(t).Type)
	assert.Equal(t, []string{"p1"}, p1.receive(t).Peers)

	p2.send(t, protocol.NewRegister("p2"))
	assert.Equal(t, protocol.MessageTypeRegistered, p2.receive(t).Type)
	assert.Equal(t, []string{"p1", "p2"}, p2.receive(t).Peers)
	assert.Equal(t, []string{"p1", "p2"}, p1.receive(t).Peers)

	payload := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"}`)
	p2.send(t, protocol.NewSignalRequest("p1", payload))
	signal := p1.receive(t)
	assert.Equal(t, "p2", signal.From)
	assert.Equal(t, string(payload), string(signal.Data))

	p2.send(t, protocol.NewSignalRequest("p3", payload))
	assert.Equal(t, "Failed to send signal to p3", p2.receive(t).Message)

	require.NoError(t, p1.conn.Close())
	assert.Equal(t, []string{"p2"}, p2.receive(t).Peers)
}

func TestServer_SharesRelayWithOtherTransports(t *testing.T) {
	r := relay.New(relay.DefaultConfig())
	srv := startServer(t, r)
	c := dial(t, srv)

	c.send(t, protocol.NewRegister("tcp-peer"))
	c.receive(t)
	c.receive(t)

	assert.Equal(t, []string{"tcp-peer"}, r.Registry().Snapshot())
}
