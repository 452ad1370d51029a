// Package client defines the common interface for signaling clients.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

// ErrNotConnected is returned when sending on a client that is not connected.
var ErrNotConnected = errors.New("not connected to server")

// Client defines the interface for signaling clients.
// Both TCP and WebSocket implementations satisfy this interface.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Register(peerID string) error
	Signal(to string, data json.RawMessage) error
	Ping() error
	// Messages delivers every message received from the relay. It is
	// closed when the connection ends.
	Messages() <-chan protocol.Message
}

// DialRetries is the number of extra dial attempts made by Connect.
const DialRetries = 5

// Dial runs dial until it succeeds, retrying with exponential backoff up to
// retries extra times or until ctx is done.
func Dial(ctx context.Context, retries uint64, log *zap.Logger, dial func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	attempt := 0
	op := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := dial()
		if err != nil && log != nil {
			log.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
}
