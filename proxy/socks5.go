package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zhangyunhao116/frpbox/internal/retry"
	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy/internal/socks5"
)

// State is the lifecycle state of a Listener.
type State int

const (
	// Disabled means no socket is bound and no bind is in progress.
	Disabled State = iota
	// Starting means a bind attempt is in progress.
	Starting
	// Listening means the socket is bound and accepting.
	Listening
	// Retrying means a bind attempt failed and another is scheduled.
	Retrying
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Retrying:
		return "retrying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Networks provides candidate networks for outbound connections.
// *netmon.Monitor implements it.
type Networks interface {
	Acquire(ctx context.Context, t netmon.Transport) (*netmon.Network, error)
	Refresh(ctx context.Context) error
	Grace() netmon.Grace
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Transport selects the egress path of outbound connections.
	Transport netmon.Transport

	// Addr is the loopback address to bind, e.g. "127.0.0.1:10002".
	Addr string

	// Networks supplies the bound network for every CONNECT.
	Networks Networks

	// BindAttempts and BindInterval bound the bind retry loop. Zero values
	// select 10 attempts 300ms apart.
	BindAttempts int
	BindInterval time.Duration

	// HandshakeTimeout bounds SOCKS5 negotiation. Zero selects 30s.
	HandshakeTimeout time.Duration

	// Logger is the structured logger for proxy events.
	// If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Listener is a loopback SOCKS5 server for one transport. It binds only
// while it is activated and the transport's status is usable, and relays
// every CONNECT through the transport's current network.
type Listener struct {
	config ListenerConfig
	log    *slog.Logger
	server *socks5.Server

	// test hooks
	listen func(ctx context.Context, addr string) (net.Listener, error)
	dial   func(ctx context.Context, n *netmon.Network, addr string) (net.Conn, error)
	lookup func(ctx context.Context, n *netmon.Network, host string) ([]net.IPAddr, error)

	connCtx    context.Context
	connCancel context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	state       State
	active      bool
	closed      bool
	status      netmon.Status
	ln          net.Listener
	startCancel context.CancelFunc
	rebind      *time.Timer // pending rebind after the accept loop failed
	gen         uint64
	pending     []State
	onState     []func(State)
}

// NewListener creates a disabled listener. The address must be a loopback
// IP with an explicit port.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := checkLoopback(cfg.Addr); err != nil {
		return nil, err
	}
	if cfg.Networks == nil {
		return nil, errors.New("proxy: networks are required")
	}
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = 10
	}
	if cfg.BindInterval <= 0 {
		cfg.BindInterval = 300 * time.Millisecond
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("transport", cfg.Transport.String(), "addr", cfg.Addr)

	l := &Listener{
		config: cfg,
		log:    logger,
		status: netmon.Status{Transport: cfg.Transport},
		listen: func(ctx context.Context, addr string) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, "tcp4", addr)
		},
		dial: func(ctx context.Context, n *netmon.Network, addr string) (net.Conn, error) {
			return n.Dialer().DialContext(ctx, "tcp", addr)
		},
		lookup: func(ctx context.Context, n *netmon.Network, host string) ([]net.IPAddr, error) {
			return n.Resolver().LookupIPAddr(ctx, host)
		},
	}
	l.connCtx, l.connCancel = context.WithCancel(context.Background())

	server, err := socks5.New(&socks5.Config{
		Connect:          l.connect,
		Logger:           logger,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("proxy: create socks5 server: %w", err)
	}
	l.server = server
	return l, nil
}

func checkLoopback(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("proxy: invalid listen address %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("proxy: listen address %q is not a loopback IP", addr)
	}
	if port == "" || port == "0" {
		return fmt.Errorf("proxy: listen address %q needs a fixed port", addr)
	}
	return nil
}

// OnStateChange registers fn to be called after every state transition.
func (l *Listener) OnStateChange(fn func(State)) {
	l.mu.Lock()
	l.onState = append(l.onState, fn)
	l.mu.Unlock()
}

// Transport returns the transport the listener serves.
func (l *Listener) Transport() netmon.Transport { return l.config.Transport }

// Addr returns the configured listen address.
func (l *Listener) Addr() string { return l.config.Addr }

// Port returns the configured listen port.
func (l *Listener) Port() int { return PortOf(l.config.Addr) }

// State returns the current state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Running reports whether the socket is bound.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

// Active reports whether the listener has been activated.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Activate records that some consumer needs the proxy and binds as soon as
// the transport is usable.
func (l *Listener) Activate() {
	l.mu.Lock()
	l.active = true
	l.evaluateLocked()
	l.unlock()
}

// Deactivate unbinds the socket. Connections already accepted keep running.
func (l *Listener) Deactivate() {
	l.mu.Lock()
	l.active = false
	l.evaluateLocked()
	l.unlock()
}

// Update implements netmon.Observer.
func (l *Listener) Update(s netmon.Status) {
	l.mu.Lock()
	l.status = s
	l.evaluateLocked()
	l.unlock()
}

// Close unbinds the socket, cancels every in-flight connection and waits
// for them to finish.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.rebind != nil {
		l.rebind.Stop()
		l.rebind = nil
	}
	l.disableLocked()
	l.unlock()

	l.connCancel()
	l.wg.Wait()
	l.server.Wait()
	return nil
}

// unlock releases l.mu and then delivers queued state notifications.
func (l *Listener) unlock() {
	states := l.pending
	l.pending = nil
	handlers := l.onState
	l.mu.Unlock()
	for _, s := range states {
		for _, fn := range handlers {
			fn(s)
		}
	}
}

func (l *Listener) setStateLocked(s State) {
	if l.state == s {
		return
	}
	l.log.Debug("proxy: state change", "from", l.state.String(), "to", s.String())
	l.state = s
	l.pending = append(l.pending, s)
}

func (l *Listener) evaluateLocked() {
	enabled := l.active && !l.closed &&
		l.status.Usable(l.ln != nil, time.Now(), l.config.Networks.Grace())
	if enabled {
		l.enableLocked()
		return
	}
	l.disableLocked()
}

func (l *Listener) enableLocked() {
	// A bound socket, an in-flight bind or a scheduled rebind makes this a
	// no-op, so bursts of updates cannot race each other for the port.
	if l.ln != nil || l.startCancel != nil || l.rebind != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.startCancel = cancel
	l.gen++
	gen := l.gen
	l.setStateLocked(Starting)
	l.wg.Add(1)
	go l.bind(ctx, gen)
}

func (l *Listener) disableLocked() {
	if l.startCancel != nil {
		l.startCancel()
		l.startCancel = nil
	}
	if l.ln != nil {
		l.log.Info("proxy: listener closing")
		_ = l.ln.Close()
		l.ln = nil
	}
	l.setStateLocked(Disabled)
}

// bind tries to bind the socket with bounded retries. A bind that is
// superseded or cancelled leaves no trace.
func (l *Listener) bind(ctx context.Context, gen uint64) {
	defer l.wg.Done()
	attempt := 0
	err := retry.Do(ctx, l.config.BindAttempts, l.config.BindInterval, func(ctx context.Context) error {
		attempt++
		ln, err := l.listen(ctx, l.config.Addr)
		if err != nil {
			l.log.Warn("proxy: bind failed", "attempt", attempt, "error", err)
			l.mu.Lock()
			if l.gen == gen && l.startCancel != nil {
				l.setStateLocked(Retrying)
			}
			l.unlock()
			return err
		}

		l.mu.Lock()
		if l.gen != gen || l.startCancel == nil || ctx.Err() != nil {
			l.unlock()
			_ = ln.Close()
			return retry.Permanent(context.Canceled)
		}
		l.ln = ln
		l.startCancel = nil
		l.setStateLocked(Listening)
		l.unlock()

		l.log.Info("proxy: listening", "attempt", attempt)
		l.wg.Add(1)
		go l.serve(ln)
		return nil
	})
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	l.mu.Lock()
	if l.gen == gen && l.startCancel != nil {
		l.startCancel = nil
		l.setStateLocked(Disabled)
		l.log.Error("proxy: giving up on bind", "attempts", attempt, "error", err)
	}
	l.unlock()
}

func (l *Listener) serve(ln net.Listener) {
	defer l.wg.Done()
	err := l.server.Serve(l.connCtx, ln)

	l.mu.Lock()
	defer l.unlock()
	if l.ln != ln {
		return
	}
	// The socket failed underneath us. Rebind after BindInterval so that a
	// persistent accept error cannot spin.
	l.log.Warn("proxy: accept loop stopped", "error", err)
	_ = ln.Close()
	l.ln = nil
	l.setStateLocked(Disabled)
	if l.rebind == nil && !l.closed {
		l.rebind = time.AfterFunc(l.config.BindInterval, l.reevaluate)
	}
}

// reevaluate runs the enable decision once a scheduled rebind is due.
func (l *Listener) reevaluate() {
	l.mu.Lock()
	l.rebind = nil
	if !l.closed {
		l.evaluateLocked()
	}
	l.unlock()
}
