package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/zhangyunhao116/frpbox/netmon"
)

// Default loopback endpoints.
const (
	DefaultWifiAddr     = "127.0.0.1:10001"
	DefaultCellularAddr = "127.0.0.1:10002"
)

// Config configures the pair of per-transport listeners.
type Config struct {
	// Addrs maps each transport to its loopback listen address. Missing
	// entries use DefaultWifiAddr and DefaultCellularAddr.
	Addrs map[netmon.Transport]string

	// Networks supplies bound networks, usually a *netmon.Monitor.
	Networks Networks

	BindAttempts     int
	BindInterval     time.Duration
	HandshakeTimeout time.Duration

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Set holds one Listener per transport.
type Set struct {
	listeners map[netmon.Transport]*Listener
}

// NewSet creates a disabled listener for every transport.
func NewSet(cfg *Config) (*Set, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Set{listeners: make(map[netmon.Transport]*Listener, len(netmon.Transports))}
	for _, t := range netmon.Transports {
		addr := cfg.Addrs[t]
		if addr == "" {
			addr = DefaultAddr(t)
		}
		l, err := NewListener(ListenerConfig{
			Transport:        t,
			Addr:             addr,
			Networks:         cfg.Networks,
			BindAttempts:     cfg.BindAttempts,
			BindInterval:     cfg.BindInterval,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("proxy: %s listener: %w", t, err)
		}
		s.listeners[t] = l
	}
	return s, nil
}

// DefaultAddr returns the default loopback address of t.
func DefaultAddr(t netmon.Transport) string {
	if t == netmon.Wifi {
		return DefaultWifiAddr
	}
	return DefaultCellularAddr
}

// Listener returns the listener of t.
func (s *Set) Listener(t netmon.Transport) *Listener {
	return s.listeners[t]
}

// Register attaches every listener to m as the observer of its transport.
func (s *Set) Register(m *netmon.Monitor) {
	for t, l := range s.listeners {
		m.Register(t, l)
	}
}

// Close shuts down every listener.
// Errors from all shutdowns are collected and returned as a combined error.
func (s *Set) Close() error {
	var errs []error
	for t, l := range s.listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// PortOf extracts the port number from a host:port address.
// Returns 0 if the port cannot be determined.
func PortOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return port
}
