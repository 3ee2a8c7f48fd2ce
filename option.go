package frpbox

import (
	"context"

	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy"
)

// Option configures a Supervisor.
type Option func(*options)

// options holds the collaborators applied via Option functions.
type options struct {
	prefs    Preferences
	notifier Notifier
	host     Host
	gates    map[netmon.Transport]ProxyGate
	env      []string

	// reachable replaces the loopback port probe in tests.
	reachable func(ctx context.Context, addr string) bool
}

// ProxyGate is the part of a proxy listener the supervisor drives for linked
// tasks. *proxy.Listener implements it.
type ProxyGate interface {
	// Activate asks the listener to bind as soon as its transport is usable.
	Activate()
	// Deactivate releases the listener.
	Deactivate()
	// Addr is the loopback address linked workers connect to.
	Addr() string
}

// Host is the service hosting the supervisor. It is told to stop when the
// supervisor becomes idle or a non-linked worker fails to launch.
type Host interface {
	Stop()
}

// HostFunc adapts a function to Host.
type HostFunc func()

// Stop calls f.
func (f HostFunc) Stop() { f() }

// WithPreferences sets the store consulted for auto-start and notification
// preferences. The default returns defaults for every key.
func WithPreferences(p Preferences) Option {
	return func(o *options) {
		o.prefs = p
	}
}

// WithNotifier sets the receiver of user-visible notices. The default logs them.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithHost sets the hosting service.
func WithHost(h Host) Option {
	return func(o *options) {
		o.host = h
	}
}

// WithProxies registers every listener of s as the gate of its transport.
func WithProxies(s *proxy.Set) Option {
	return func(o *options) {
		for _, t := range netmon.Transports {
			if l := s.Listener(t); l != nil {
				o.gates[t] = l
			}
		}
	}
}

// WithProxyGate registers g as the gate of transport t.
func WithProxyGate(t netmon.Transport, g ProxyGate) Option {
	return func(o *options) {
		o.gates[t] = g
	}
}

// WithEnv adds environment variables for every worker.
// Each entry should be in "KEY=VALUE" format.
func WithEnv(env ...string) Option {
	cpy := append([]string(nil), env...)
	return func(o *options) {
		o.env = append(o.env, cpy...)
	}
}
