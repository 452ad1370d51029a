package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omochice/peer-signal-relay/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	envErr := cfg.ApplyEnv(os.LookupEnv)

	cmd := &cobra.Command{
		Use:   "signal-relay",
		Short: "WebRTC signaling relay",
		Long: `signal-relay lets peers register under an identifier, keeps every
registered peer informed of who is online and forwards opaque signaling
payloads between them. Settings can also be given as SIGNAL_RELAY_* variables;
flags take precedence.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("environment: %w", envErr)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "WebSocket and HTTP listen address")
	f.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "line-delimited JSON TCP listen address (disabled when empty)")
	f.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "keep-alive ping interval")
	f.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "time allowed for a pong before the connection is closed")
	f.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "outbound queue length per connection")
	f.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "timeout for a single frame write")
	f.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "largest accepted inbound message in bytes")
	f.StringVar(&cfg.DuplicatePolicy, "duplicate-policy", cfg.DuplicatePolicy, "what to do when a peer id is registered twice: replace, evict or reject")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.BoolVar(&cfg.DevLog, "dev-log", cfg.DevLog, "human readable console logs")
	f.BoolVar(&cfg.Advertise, "advertise", cfg.Advertise, "advertise the relay over mDNS")
	f.StringVar(&cfg.InstanceName, "instance", cfg.InstanceName, "mDNS instance name (defaults to the host name)")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "time allowed for a graceful shutdown")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app := newApp(cfg)

	startCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sig := <-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if sig.ExitCode != 0 {
		return fmt.Errorf("relay exited with code %d", sig.ExitCode)
	}
	return nil
}
