package ws

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/metrics"
)

// Default keep-alive timings.
const (
	DefaultPingInterval = 20 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

type pinger interface {
	Ping() error
	Pongs() <-chan struct{}
	Close() error
}

// keepAlive pings a connection every interval and closes it when no pong
// arrives within timeout.
type keepAlive struct {
	conn     pinger
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// start begins probing until ctx is done. The returned channel is closed
// when the loop exits.
func (k *keepAlive) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := k.clock.Ticker(k.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !k.probe(ctx) {
					return
				}
			}
		}
	}()
	return done
}

func (k *keepAlive) probe(ctx context.Context) bool {
	select {
	case <-k.conn.Pongs():
	default:
	}

	timer := k.clock.Timer(k.timeout)
	defer timer.Stop()

	if err := k.conn.Ping(); err != nil {
		k.log.Debug("failed to send ping", zap.Error(err))
		_ = k.conn.Close()
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-k.conn.Pongs():
		return true
	case <-timer.C:
		k.metrics.KeepAliveExpired()
		k.log.Info("no pong within timeout, closing connection", zap.Duration("timeout", k.timeout))
		_ = k.conn.Close()
		return false
	}
}
