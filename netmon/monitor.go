package netmon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/frpbox/internal/retry"
)

// ErrNoNetwork is returned when no candidate appeared for a transport.
var ErrNoNetwork = errors.New("netmon: no usable network")

// ErrClosed is returned by operations on a closed monitor.
var ErrClosed = errors.New("netmon: monitor closed")

// Config configures a Monitor.
type Config struct {
	Source Source
	Grace  Grace
	// LostRefreshDelay is the delay before re-reading system state after
	// the current candidate was lost. Zero selects 1s.
	LostRefreshDelay time.Duration
	// WaitAttempts and WaitInterval bound WaitCandidate. Zero values select
	// 50 attempts of 200ms.
	WaitAttempts int
	WaitInterval time.Duration
	Logger       *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Grace == (Grace{}) {
		c.Grace = DefaultGrace()
	}
	if c.LostRefreshDelay <= 0 {
		c.LostRefreshDelay = time.Second
	}
	if c.WaitAttempts <= 0 {
		c.WaitAttempts = 50
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

type eventKind int

const (
	eventAvailable eventKind = iota
	eventCapabilities
	eventLost
)

func (k eventKind) String() string {
	switch k {
	case eventAvailable:
		return "available"
	case eventCapabilities:
		return "capabilities"
	default:
		return "lost"
	}
}

type event struct {
	kind eventKind
	net  *Network
	info Info
}

// transportState is owned by the monitor goroutine.
type transportState struct {
	candidate       *Network
	validated       bool
	dataConnected   bool
	lastValidatedAt time.Time
	lastConnectedAt time.Time
	observer        Observer
	recheck         *time.Timer
}

type knownNetwork struct {
	net  *Network
	info Info
}

// Monitor tracks candidate networks per transport. All state changes happen
// on a single goroutine fed by a command channel.
type Monitor struct {
	cfg Config
	log *slog.Logger

	cmds chan func(context.Context)
	done chan struct{}
	wg   sync.WaitGroup

	// loop-owned
	states [numTransports]*transportState
	known  map[int]*knownNetwork
	nextID uint64

	current [numTransports]atomic.Pointer[Network]
	status  [numTransports]atomic.Pointer[Status]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	timers  map[*time.Timer]struct{}
	closed  bool
}

// New returns a monitor reading from cfg.Source. Call Start to begin
// tracking.
func New(cfg Config) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, errors.New("netmon: source is required")
	}
	cfg.setDefaults()
	m := &Monitor{
		cfg:    cfg,
		log:    cfg.Logger,
		cmds:   make(chan func(context.Context), 64),
		done:   make(chan struct{}),
		known:  make(map[int]*knownNetwork),
		timers: make(map[*time.Timer]struct{}),
	}
	for i := range m.states {
		m.states[i] = &transportState{}
		m.status[i].Store(&Status{Transport: Transport(i)})
	}
	return m, nil
}

// Grace returns the configured grace windows.
func (m *Monitor) Grace() Grace { return m.cfg.Grace }

// Register attaches o to transport t. It must be called before Start.
func (m *Monitor) Register(t Transport, o Observer) {
	m.states[t].observer = o
}

// Start subscribes to the source, performs an initial refresh and runs the
// event loop until Close or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	changes, err := m.cfg.Source.Watch(loopCtx)
	if err != nil {
		cancel()
		return err
	}
	m.wg.Add(1)
	go m.loop(loopCtx, changes)

	return m.Refresh(ctx)
}

// Close stops the event loop and pending timers.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.mu.Unlock()

	close(m.done)
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Monitor) loop(ctx context.Context, changes <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case fn := <-m.cmds:
			fn(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				m.log.Warn("netmon: change notifications stopped")
				continue
			}
			m.rescan(ctx)
		}
	}
}

// post queues fn on the monitor goroutine.
func (m *Monitor) post(fn func(context.Context)) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

// after queues fn on the monitor goroutine once d has elapsed.
func (m *Monitor) after(d time.Duration, fn func(context.Context)) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		m.post(fn)
	})
	m.timers[t] = struct{}{}
	return t
}

func (m *Monitor) stopTimer(t *time.Timer) {
	t.Stop()
	m.mu.Lock()
	delete(m.timers, t)
	m.mu.Unlock()
}

// Refresh re-reads system state synchronously and reselects the candidate
// of every transport, preferring validated networks.
func (m *Monitor) Refresh(ctx context.Context) error {
	done := make(chan struct{})
	if !m.post(func(lctx context.Context) {
		defer close(done)
		m.refresh(lctx)
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Current returns the candidate of t, or nil.
func (m *Monitor) Current(t Transport) *Network {
	return m.current[t].Load()
}

// Status returns the last published status of t.
func (m *Monitor) Status(t Transport) Status {
	return *m.status[t].Load()
}

// WaitCandidate polls for a candidate of t, bounded by the configured
// attempts and interval.
func (m *Monitor) WaitCandidate(ctx context.Context, t Transport) (*Network, error) {
	var n *Network
	err := retry.Poll(ctx, m.cfg.WaitAttempts, m.cfg.WaitInterval, func(context.Context) bool {
		n = m.Current(t)
		return n != nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, ErrNoNetwork
	}
	return n, err
}

// Acquire waits for a candidate of t. If none appears it refreshes from the
// system once and waits again.
func (m *Monitor) Acquire(ctx context.Context, t Transport) (*Network, error) {
	n, err := m.WaitCandidate(ctx, t)
	if err == nil || !errors.Is(err, ErrNoNetwork) {
		return n, err
	}
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m.WaitCandidate(ctx, t)
}

func (m *Monitor) running(t Transport) bool {
	if o := m.states[t].observer; o != nil {
		return o.Running()
	}
	return false
}

// scan reads the source, reconciles the known network table and returns
// the events implied by the difference.
func (m *Monitor) scan(ctx context.Context) ([]Info, []event, bool) {
	infos, err := m.cfg.Source.Scan(ctx)
	if err != nil {
		m.log.Warn("netmon: scan failed", "error", err)
		return nil, nil, false
	}

	var events []event
	seen := make(map[int]bool, len(infos))
	for _, info := range infos {
		if !info.Up {
			continue
		}
		seen[info.Index] = true
		k, ok := m.known[info.Index]
		if ok && k.info.Name != info.Name {
			// Index reused by a different interface.
			events = append(events, event{kind: eventLost, net: k.net})
			ok = false
		}
		if !ok {
			m.nextID++
			n := info.Network
			n.ID = m.nextID
			k = &knownNetwork{net: &n, info: info}
			m.known[info.Index] = k
			events = append(events,
				event{kind: eventAvailable, net: k.net, info: info},
				event{kind: eventCapabilities, net: k.net, info: info})
			continue
		}
		if infoChanged(k.info, info) {
			n := *k.net
			n.Addrs = info.Addrs
			k.net = &n
			k.info = info
			events = append(events, event{kind: eventCapabilities, net: k.net, info: info})
		}
	}
	for idx, k := range m.known {
		if !seen[idx] {
			delete(m.known, idx)
			events = append(events, event{kind: eventLost, net: k.net})
		}
	}
	return infos, events, true
}

func infoChanged(a, b Info) bool {
	if a.Internet != b.Internet || a.Restricted != b.Restricted ||
		a.Validated != b.Validated || len(a.Addrs) != len(b.Addrs) {
		return true
	}
	for i := range a.Addrs {
		if a.Addrs[i] != b.Addrs[i] {
			return true
		}
	}
	return false
}

// dataConnected reports, per transport, whether any candidate interface is up.
func dataConnected(infos []Info) [numTransports]bool {
	var out [numTransports]bool
	for _, i := range infos {
		if i.Candidate() {
			out[i.Transport] = true
		}
	}
	return out
}

func (m *Monitor) rescan(ctx context.Context) {
	infos, events, ok := m.scan(ctx)
	if !ok {
		return
	}
	now := time.Now()
	dc := dataConnected(infos)
	var touched [numTransports]bool
	for _, t := range Transports {
		st := m.states[t]
		if st.dataConnected != dc[t] {
			touched[t] = true
		}
		st.dataConnected = dc[t]
		if dc[t] {
			st.lastConnectedAt = now
		}
	}
	for _, ev := range events {
		m.apply(ev)
		touched[ev.net.Transport] = false
	}
	for _, t := range Transports {
		if touched[t] {
			m.update(t)
		}
	}
}

// apply handles one event for the transport of its network.
func (m *Monitor) apply(ev event) {
	t := ev.net.Transport
	st := m.states[t]
	m.log.Debug("netmon: event", "kind", ev.kind.String(), "network", ev.net.String())

	switch ev.kind {
	case eventAvailable:
		// Enabling is decided by the capabilities that follow.
		return

	case eventCapabilities:
		if ev.info.Candidate() {
			st.candidate = ev.net
			st.validated = ev.info.Validated
			if st.validated {
				st.lastValidatedAt = time.Now()
			}
			m.current[t].Store(ev.net)
		} else if st.candidate.Same(ev.net) {
			st.candidate = nil
			st.validated = false
			m.current[t].Store(nil)
		}
		m.update(t)

	case eventLost:
		if !st.candidate.Same(ev.net) {
			m.update(t)
			return
		}
		// Keep the handle for now: transports often drop and rebuild
		// their network during handover.
		st.validated = false
		lost := ev.net
		m.after(m.cfg.LostRefreshDelay, m.refresh)
		m.after(m.cfg.Grace.Validated, func(context.Context) {
			m.graceCheck(t, lost)
		})
		m.update(t)
	}
}

// graceCheck clears a lost candidate once its grace window has passed,
// unless the listener is running and data is still connected.
func (m *Monitor) graceCheck(t Transport, lost *Network) {
	st := m.states[t]
	now := time.Now()
	stillSame := st.candidate.Same(lost)
	running := m.running(t)
	dataOK := st.dataConnected || (running && now.Sub(st.lastConnectedAt) <= m.cfg.Grace.Data)
	if stillSame && dataOK && running {
		return
	}
	if stillSame {
		st.candidate = nil
		m.current[t].Store(nil)
	}
	m.update(t)
}

// refresh rescans the system and reselects every transport's candidate.
func (m *Monitor) refresh(ctx context.Context) {
	infos, _, ok := m.scan(ctx)
	if !ok {
		return
	}
	now := time.Now()
	dc := dataConnected(infos)
	for _, t := range Transports {
		st := m.states[t]
		running := m.running(t)
		st.dataConnected = dc[t]
		if dc[t] {
			st.lastConnectedAt = now
		}
		dataOK := dc[t] || (running && now.Sub(st.lastConnectedAt) <= m.cfg.Grace.Data)
		if !dataOK {
			st.validated = false
			st.candidate = nil
			m.current[t].Store(nil)
			m.update(t)
			continue
		}

		var sel *knownNetwork
		for _, k := range m.known {
			if k.net.Transport != t || !k.info.Candidate() {
				continue
			}
			if sel == nil || (!sel.info.Validated && k.info.Validated) ||
				(sel.info.Validated == k.info.Validated && k.net.ID < sel.net.ID) {
				sel = k
			}
		}
		if sel != nil {
			st.candidate = sel.net
			st.validated = sel.info.Validated
			if st.validated {
				st.lastValidatedAt = now
			}
			m.current[t].Store(sel.net)
		} else {
			st.validated = false
			keep := running && now.Sub(st.lastValidatedAt) <= m.cfg.Grace.Validated
			if !keep {
				st.candidate = nil
				m.current[t].Store(nil)
			}
		}
		m.log.Debug("netmon: refreshed", "transport", t.String(),
			"candidate", st.candidate.String(), "validated", st.validated)
		m.update(t)
	}
}

// update publishes the status of t and notifies its observer. While a
// running listener is being held up by a grace window, a re-evaluation is
// scheduled for when the window ends.
func (m *Monitor) update(t Transport) {
	st := m.states[t]
	now := time.Now()
	if st.dataConnected {
		st.lastConnectedAt = now
	}
	s := Status{
		Transport:       t,
		Candidate:       st.candidate,
		Validated:       st.validated,
		DataConnected:   st.dataConnected,
		LastValidatedAt: st.lastValidatedAt,
		LastConnectedAt: st.lastConnectedAt,
	}
	m.status[t].Store(&s)

	if st.recheck != nil {
		m.stopTimer(st.recheck)
		st.recheck = nil
	}
	if st.observer == nil {
		return
	}
	st.observer.Update(s)

	if s.Candidate == nil || !st.observer.Running() {
		return
	}
	// The decision flips as soon as the first window runs out.
	var wait time.Duration
	for _, left := range []struct {
		ok bool
		d  time.Duration
	}{
		{s.Validated, m.cfg.Grace.Validated - now.Sub(s.LastValidatedAt)},
		{s.DataConnected, m.cfg.Grace.Data - now.Sub(s.LastConnectedAt)},
	} {
		if !left.ok && left.d > 0 && (wait == 0 || left.d < wait) {
			wait = left.d
		}
	}
	if wait > 0 {
		st.recheck = m.after(wait+10*time.Millisecond, func(context.Context) {
			m.update(t)
		})
	}
}
