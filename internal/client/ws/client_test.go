package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/peer-signal-relay/internal/client"
	ws "github.com/omochice/peer-signal-relay/internal/client/ws"
	"github.com/omochice/peer-signal-relay/internal/relay"
	wstransport "github.com/omochice/peer-signal-relay/internal/transport/ws"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

func startRelay(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	srv := wstransport.New(wstransport.Config{Logger: log}, relay.New(relay.DefaultConfig(), relay.WithLogger(log)))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func connect(t *testing.T, url string) *ws.Client {
	t.Helper()
	c := ws.New(url, ws.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func next(t *testing.T, c client.Client) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "messages channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func TestClient_ImplementsInterface(t *testing.T) {
	var _ client.Client = (*ws.Client)(nil)
}

func TestClient_ConnectAndDisconnect(t *testing.T) {
	url := startRelay(t)
	c := ws.New(url)

	assert.False(t, c.IsConnected(), "before Connect()")
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected(), "after Connect()")

	c.Disconnect()
	assert.False(t, c.IsConnected(), "after Disconnect()")
	c.Disconnect()

	_, ok := <-c.Messages()
	assert.False(t, ok, "messages channel closed after Disconnect()")
}

func TestClient_SendWhenDisconnected(t *testing.T) {
	c := ws.New("ws://127.0.0.1:1/ws")
	assert.True(t, errors.Is(c.Register("alice"), client.ErrNotConnected))
	assert.ErrorIs(t, c.Ping(), client.ErrNotConnected)
}

func TestClient_ConnectFailure(t *testing.T) {
	c := ws.New("ws://127.0.0.1:1/ws", ws.WithRetries(1))
	err := c.Connect(context.Background())
	assert.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestClient_RegisterAndSignal(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url)
	bob := connect(t, url)

	require.NoError(t, alice.Register("alice"))
	assert.Equal(t, protocol.MessageTypeRegistered, next(t, alice).Type)
	assert.Equal(t, []string{"alice"}, next(t, alice).Peers)

	require.NoError(t, bob.Register("bob"))
	assert.Equal(t, protocol.MessageTypeRegistered, next(t, bob).Type)
	assert.Equal(t, []string{"alice", "bob"}, next(t, bob).Peers)
	assert.Equal(t, []string{"alice", "bob"}, next(t, alice).Peers)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, alice.Signal("bob", offer))
	got := next(t, bob)
	assert.Equal(t, protocol.MessageTypeSignal, got.Type)
	assert.Equal(t, "alice", got.From)
	assert.JSONEq(t, string(offer), string(got.Data))

	require.NoError(t, bob.Ping())
	assert.Equal(t, protocol.MessageTypePong, next(t, bob).Type)
}
