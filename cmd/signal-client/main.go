package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/client"
	"github.com/omochice/peer-signal-relay/internal/client/tcp"
	"github.com/omochice/peer-signal-relay/internal/client/ws"
	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/pkg/protocol"
)

type options struct {
	server    string
	transport string
	peerID    string
	retries   uint64
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{server: "ws://localhost:8765/ws", transport: "ws"}

	cmd := &cobra.Command{
		Use:   "signal-client",
		Short: "Interactive client for the signaling relay",
		Long: `Connects to a signaling relay, registers a peer id and reads commands
from stdin:

  /peers                 show the last directory received
  /signal <peer> <json>  forward a JSON payload to a peer
  /ping                  ask the relay for a pong
  /quit                  disconnect`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.peerID == "" {
				return errors.New("peer id is required, use --peer-id")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.server, "server", "s", opts.server, "relay address (ws:// URL, or host:port for tcp)")
	f.StringVarP(&opts.transport, "transport", "t", opts.transport, "transport to use: ws or tcp")
	f.StringVarP(&opts.peerID, "peer-id", "p", "", "identifier to register under")
	f.Uint64Var(&opts.retries, "retries", client.DialRetries, "dial retries before giving up")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection details")

	return cmd
}

func newClient(opts options, log *zap.Logger) (client.Client, error) {
	switch opts.transport {
	case "ws":
		return ws.New(opts.server, ws.WithLogger(log), ws.WithRetries(opts.retries)), nil
	case "tcp":
		return tcp.New(opts.server, tcp.WithLogger(log), tcp.WithRetries(opts.retries)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log, err := logging.New(level, true)
	if err != nil {
		return err
	}
	defer log.Sync()

	c, err := newClient(opts, log)
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if err := c.Register(opts.peerID); err != nil {
		return err
	}

	dir := &directory{}
	received := make(chan struct{})
	go func() {
		defer close(received)
		for msg := range c.Messages() {
			printMessage(out, msg, dir)
		}
		fmt.Fprintln(out, "*** disconnected ***")
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-received:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleCommand(c, dir, out, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleCommand(c client.Client, dir *directory, out io.Writer, line string) (bool, error) {
	if line == "" {
		return false, nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true, nil
	case "/ping":
		return false, c.Ping()
	case "/peers":
		fmt.Fprintf(out, "peers: %s\n", strings.Join(dir.get(), ", "))
		return false, nil
	case "/signal":
		to, payload, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || to == "" {
			return false, errors.New("usage: /signal <peer> <json>")
		}
		data := json.RawMessage(strings.TrimSpace(payload))
		if !json.Valid(data) {
			return false, errors.New("payload is not valid JSON")
		}
		return false, c.Signal(to, data)
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}

func printMessage(out io.Writer, msg protocol.Message, dir *directory) {
	switch msg.Type {
	case protocol.MessageTypeRegistered:
		fmt.Fprintf(out, "*** registered as %s ***\n", msg.PeerID)
	case protocol.MessageTypePeersUpdate:
		dir.set(msg.Peers)
		fmt.Fprintf(out, "*** peers: %s ***\n", strings.Join(msg.Peers, ", "))
	case protocol.MessageTypeSignal:
		fmt.Fprintf(out, "[%s]: %s\n", msg.From, msg.Data)
	case protocol.MessageTypeError:
		fmt.Fprintf(out, "!!! %s\n", msg.Message)
	case protocol.MessageTypePong:
		fmt.Fprintln(out, "pong")
	}
}
