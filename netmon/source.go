package netmon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source reports the interfaces of the host and signals when they change.
type Source interface {
	// Scan returns the current state of every classified interface.
	Scan(ctx context.Context) ([]Info, error)
	// Watch returns a channel that receives a value after each change. The
	// channel is closed when ctx is done or the source fails.
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// SystemSource reads interfaces from the operating system.
type SystemSource struct {
	Classifier Classifier
	// Prober validates candidate interfaces. If nil, every candidate counts
	// as validated.
	Prober Prober
	// PollInterval triggers periodic rescans so that validation changes
	// without a link event are noticed. Zero selects 15s.
	PollInterval time.Duration
	// Debounce coalesces bursts of link events. Zero selects 200ms.
	Debounce time.Duration
	Logger   *slog.Logger

	// test hooks
	interfaces func() ([]net.Interface, error)
	addrs      func(*net.Interface) ([]net.Addr, error)
}

// NewSystemSource returns a source using c and p.
func NewSystemSource(c Classifier, p Prober, logger *slog.Logger) *SystemSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SystemSource{Classifier: c, Prober: p, Logger: logger}
}

func (s *SystemSource) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return 15 * time.Second
}

func (s *SystemSource) debounce() time.Duration {
	if s.Debounce > 0 {
		return s.Debounce
	}
	return 200 * time.Millisecond
}

// Scan implements Source. Candidate interfaces are probed concurrently.
func (s *SystemSource) Scan(ctx context.Context) ([]Info, error) {
	list := net.Interfaces
	if s.interfaces != nil {
		list = s.interfaces
	}
	addrsOf := (*net.Interface).Addrs
	if s.addrs != nil {
		addrsOf = s.addrs
	}

	ifaces, err := list()
	if err != nil {
		return nil, fmt.Errorf("netmon: list interfaces: %w", err)
	}

	infos := make([]Info, 0, len(ifaces))
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		t, ok := s.Classifier.Transport(ifi.Name)
		if !ok {
			continue
		}
		info := Info{
			Network: Network{
				Index:     ifi.Index,
				Name:      ifi.Name,
				Transport: t,
			},
			Up:         ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0,
			Restricted: s.Classifier.IsRestricted(ifi.Name),
		}
		addrs, err := addrsOf(ifi)
		if err != nil {
			s.Logger.Debug("netmon: read addresses failed", "iface", ifi.Name, "error", err)
		}
		for _, a := range addrs {
			ip, ok := addrIP(a)
			if !ok {
				continue
			}
			info.Addrs = append(info.Addrs, ip)
			if ip.IsGlobalUnicast() {
				info.Internet = true
			}
		}
		infos = append(infos, info)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range infos {
		if !infos[i].Candidate() {
			continue
		}
		if s.Prober == nil {
			infos[i].Validated = true
			continue
		}
		info := &infos[i]
		g.Go(func() error {
			info.Validated = s.Prober.Probe(gctx, &info.Network)
			return nil
		})
	}
	_ = g.Wait()
	return infos, nil
}

func addrIP(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	return addr.Unmap(), ok
}

// notifier coalesces change signals into a buffered channel of one,
// optionally delayed by a debounce window.
type notifier struct {
	out   chan struct{}
	delay time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newNotifier(delay time.Duration) *notifier {
	return &notifier{out: make(chan struct{}, 1), delay: delay}
}

func (n *notifier) fire() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.out <- struct{}{}:
	default:
	}
}

func (n *notifier) kick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.delay, n.fire)
		return
	}
	n.timer.Reset(n.delay)
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
	}
	close(n.out)
}

// poll signals n every interval until ctx is done.
func poll(ctx context.Context, n *notifier, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.fire()
		}
	}
}
