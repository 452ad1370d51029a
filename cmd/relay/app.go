package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/peer-signal-relay/internal/config"
	"github.com/omochice/peer-signal-relay/internal/discovery"
	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/internal/metrics"
	"github.com/omochice/peer-signal-relay/internal/relay"
	"github.com/omochice/peer-signal-relay/internal/transport/tcp"
	"github.com/omochice/peer-signal-relay/internal/transport/ws"
)

// transport is a listener serving relay sessions.
type transport interface {
	Listen() error
	Serve() error
	Shutdown(ctx context.Context) error
	Addr() string
}

func newApp(cfg config.Config, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newPrometheusRegistry,
			newMetrics,
			newRelay,
			newWebSocketServer,
			newTransports,
		),
		fx.Invoke(runTransports, advertise),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.StopTimeout(cfg.ShutdownTimeout),
	}
	return fx.New(append(opts, extra...)...)
}

func newLogger(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.LogLevel, cfg.DevLog)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() { _ = log.Sync() }))
	return log, nil
}

func newPrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newRelay(cfg config.Config, log *zap.Logger, m *metrics.Metrics) *relay.Relay {
	return relay.New(cfg.Relay(), relay.WithLogger(log.Named("relay")), relay.WithMetrics(m))
}

func newWebSocketServer(cfg config.Config, r *relay.Relay, log *zap.Logger, m *metrics.Metrics, reg *prometheus.Registry) *ws.Server {
	return ws.New(ws.Config{
		Address:        cfg.Addr,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         log.Named("ws"),
		Metrics:        m,
		Gatherer:       reg,
	}, r)
}

func newTransports(cfg config.Config, r *relay.Relay, log *zap.Logger, wsServer *ws.Server) []transport {
	transports := []transport{wsServer}
	if cfg.TCPAddr != "" {
		transports = append(transports, tcp.New(tcp.Config{
			Address:           cfg.TCPAddr,
			KeepAliveIdle:     cfg.PingInterval,
			KeepAliveInterval: cfg.PingTimeout,
			MaxMessageSize:    int(cfg.MaxMessageSize),
			Logger:            log.Named("tcp"),
		}, r))
	}
	return transports
}

// runTransports binds every transport on start and serves them until stop.
// A transport failing while serving shuts the application down.
func runTransports(lc fx.Lifecycle, sd fx.Shutdowner, log *zap.Logger, transports []transport) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var listening []transport
			for _, t := range transports {
				if err := t.Listen(); err != nil {
					for _, l := range listening {
						_ = l.Shutdown(context.Background())
					}
					return err
				}
				listening = append(listening, t)
			}

			var g errgroup.Group
			for _, t := range transports {
				g.Go(t.Serve)
			}
			go func() {
				if err := g.Wait(); err != nil {
					log.Error("transport failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var err error
			for _, t := range transports {
				err = multierr.Append(err, t.Shutdown(ctx))
			}
			log.Info("relay stopped")
			return err
		},
	})
}

func advertise(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, wsServer *ws.Server, transports []transport) {
	if !cfg.Advertise {
		return
	}

	var adv *discovery.Advertiser
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			port, err := discovery.Port(wsServer.Addr())
			if err != nil {
				return fmt.Errorf("advertise: %w", err)
			}
			ad := discovery.Advertisement{Instance: cfg.InstanceName, Port: port, Path: "/ws"}
			for _, t := range transports {
				if _, ok := t.(*tcp.Server); ok {
					ad.TCPPort, _ = discovery.Port(t.Addr())
				}
			}

			adv, err = discovery.Advertise(ad, log.Named("discovery"))
			if err != nil {
				log.Warn("mDNS advertisement unavailable", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if adv != nil {
				adv.Shutdown()
			}
			return nil
		},
	})
}
