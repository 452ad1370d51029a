package relay_test

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/peer-signal-relay/internal/metrics"
	"github.com/omochice/peer-signal-relay/internal/relay"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

func TestBroadcaster_Broadcast(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC))
	b := relay.NewBroadcaster(clk, nil, nil)

	a, c := &fakeOutbox{}, &fakeOutbox{}
	failed := b.Broadcast([]relay.Member{{ID: "a", Outbox: a}, {ID: "c", Outbox: c}})

	assert.Empty(t, failed)
	for _, o := range []*fakeOutbox{a, c} {
		msgs := o.Messages(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, protocol.MessageTypePeersUpdate, msgs[0].Type)
		assert.Equal(t, []string{"a", "c"}, msgs[0].Peers)
		assert.Equal(t, "2024-01-02T03:04:05.0000006Z", msgs[0].Timestamp)
	}
}

func TestBroadcaster_Broadcast_Empty(t *testing.T) {
	b := relay.NewBroadcaster(nil, nil, nil)
	assert.Nil(t, b.Broadcast(nil))
}

func TestBroadcaster_Broadcast_ReportsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := relay.NewBroadcaster(nil, nil, m)

	ok, closed, full := &fakeOutbox{}, &fakeOutbox{}, &fakeOutbox{}
	closed.Fail(relay.SendClosed)
	full.Fail(relay.SendOverflow)

	failed := b.Broadcast([]relay.Member{
		{ID: "ok", Outbox: ok},
		{ID: "closed", Outbox: closed},
		{ID: "full", Outbox: full},
	})

	require.Len(t, failed, 2)
	assert.Equal(t, "closed", failed[0].ID)
	assert.Equal(t, "full", failed[1].ID)
	assert.Len(t, ok.Messages(t), 1, "healthy member still receives the update")

	expected := `
# HELP signal_relay_peer_broadcast_failures_total Number of peers_update deliveries that failed.
# TYPE signal_relay_peer_broadcast_failures_total counter
signal_relay_peer_broadcast_failures_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"signal_relay_peer_broadcast_failures_total"))
}
