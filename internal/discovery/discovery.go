// Package discovery advertises the relay on the local network over
// mDNS/DNS-SD so clients can find it without configuration.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the DNS-SD service the relay registers.
	ServiceType = "_signal-relay._tcp"
	Domain      = "local."
)

var ErrInvalidPort = errors.New("discovery: invalid port")

// Advertisement describes the relay being published.
type Advertisement struct {
	Instance string
	Port     int
	// Path is the WebSocket endpoint path.
	Path string
	// TCPPort is the line-JSON transport port, zero when disabled.
	TCPPort int
}

// TXT returns the DNS-SD TXT records for the advertisement.
func (a Advertisement) TXT() []string {
	txt := []string{"txtvers=1", "proto=ws"}
	if a.Path != "" {
		txt = append(txt, "path="+a.Path)
	}
	if a.TCPPort > 0 {
		txt = append(txt, "tcp="+strconv.Itoa(a.TCPPort))
	}
	return txt
}

// Advertiser keeps a zeroconf registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	log    *zap.Logger
	once   sync.Once
}

// Advertise registers the relay on all multicast-capable interfaces.
func Advertise(a Advertisement, log *zap.Logger) (*Advertiser, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if a.Port <= 0 || a.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, a.Port)
	}
	if a.Instance == "" {
		a.Instance = DefaultInstance()
	}

	server, err := zeroconf.Register(a.Instance, ServiceType, Domain, a.Port, a.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	log.Info("mDNS service registered",
		zap.String("instance", a.Instance),
		zap.String("service", ServiceType),
		zap.Int("port", a.Port))
	return &Advertiser{server: server, log: log}, nil
}

// Shutdown withdraws the registration. It is safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.once.Do(func() {
		a.server.Shutdown()
		a.log.Info("mDNS service withdrawn")
	})
}

// DefaultInstance names the instance after the host.
func DefaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "signal-relay-" + host
}

// Port extracts the numeric port of a host:port listen address.
func Port(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, p)
	}
	return port, nil
}
