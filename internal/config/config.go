// Package config holds the relay process configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/omochice/peer-signal-relay/internal/relay"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIGNAL_RELAY_"

// Config is the relay process configuration.
type Config struct {
	// Addr is the WebSocket and HTTP listen address.
	Addr string
	// TCPAddr enables the newline-delimited JSON transport when set.
	TCPAddr string

	PingInterval time.Duration
	PingTimeout  time.Duration

	QueueSize       int
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	DuplicatePolicy string

	LogLevel string
	DevLog   bool

	// Advertise publishes the relay over mDNS/DNS-SD.
	Advertise    bool
	InstanceName string

	ShutdownTimeout time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Addr:            "0.0.0.0:8765",
		PingInterval:    20 * time.Second,
		PingTimeout:     10 * time.Second,
		QueueSize:       64,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  1 << 20,
		DuplicatePolicy: string(relay.DuplicateReplace),
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if _, _, e := net.SplitHostPort(c.Addr); e != nil {
		err = multierr.Append(err, fmt.Errorf("addr %q: %w", c.Addr, e))
	}
	if c.TCPAddr != "" {
		if _, _, e := net.SplitHostPort(c.TCPAddr); e != nil {
			err = multierr.Append(err, fmt.Errorf("tcp-addr %q: %w", c.TCPAddr, e))
		}
	}
	if c.PingInterval <= 0 {
		err = multierr.Append(err, errors.New("ping-interval must be positive"))
	}
	if c.PingTimeout <= 0 {
		err = multierr.Append(err, errors.New("ping-timeout must be positive"))
	}
	if c.QueueSize <= 0 {
		err = multierr.Append(err, errors.New("queue-size must be positive"))
	}
	if c.WriteTimeout < 0 {
		err = multierr.Append(err, errors.New("write-timeout must not be negative"))
	}
	if c.MaxMessageSize <= 0 {
		err = multierr.Append(err, errors.New("max-message-size must be positive"))
	}
	if _, e := relay.ParseDuplicatePolicy(c.DuplicatePolicy); e != nil {
		err = multierr.Append(err, e)
	}
	if c.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("shutdown-timeout must be positive"))
	}
	return err
}

// Relay returns the session settings for relay.New.
func (c *Config) Relay() relay.Config {
	policy, _ := relay.ParseDuplicatePolicy(c.DuplicatePolicy)
	return relay.Config{
		QueueSize:       c.QueueSize,
		WriteTimeout:    c.WriteTimeout,
		DuplicatePolicy: policy,
	}
}

// ApplyEnv overrides fields from SIGNAL_RELAY_* variables found by lookup,
// typically os.LookupEnv. Unset variables leave fields untouched.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var err error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, e := time.ParseDuration(v)
			if e != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, name, e))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, e := strconv.ParseInt(v, 10, 64)
			if e != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, name, e))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, e := strconv.ParseBool(v)
			if e != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, name, e))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Addr)
	str("TCP_ADDR", &c.TCPAddr)
	dur("PING_INTERVAL", &c.PingInterval)
	dur("PING_TIMEOUT", &c.PingTimeout)
	dur("WRITE_TIMEOUT", &c.WriteTimeout)
	dur("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	queue := int64(c.QueueSize)
	integer("QUEUE_SIZE", &queue)
	c.QueueSize = int(queue)
	integer("MAX_MESSAGE_SIZE", &c.MaxMessageSize)

	str("DUPLICATE_POLICY", &c.DuplicatePolicy)
	str("LOG_LEVEL", &c.LogLevel)
	boolean("DEV_LOG", &c.DevLog)
	boolean("ADVERTISE", &c.Advertise)
	str("INSTANCE_NAME", &c.InstanceName)
	return err
}
