package netmon

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Prober decides whether a network actually reaches the internet.
type Prober interface {
	Probe(ctx context.Context, n *Network) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, n *Network) bool

// Probe calls f(ctx, n).
func (f ProberFunc) Probe(ctx context.Context, n *Network) bool { return f(ctx, n) }

// TCPProber validates a network by opening a TCP connection to Target
// through it. Results are cached per interface and address set for TTL.
type TCPProber struct {
	Target  string
	Timeout time.Duration
	TTL     time.Duration

	mu    sync.Mutex
	cache map[string]probeResult
}

type probeResult struct {
	ok bool
	at time.Time
}

// NewTCPProber returns a prober dialing target. Zero durations select a 3s
// timeout and a 30s cache lifetime.
func NewTCPProber(target string, timeout, ttl time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TCPProber{Target: target, Timeout: timeout, TTL: ttl}
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, n *Network) bool {
	key := fmt.Sprintf("%d/%s/%v", n.Index, n.Name, n.Addrs)
	now := time.Now()

	p.mu.Lock()
	if r, ok := p.cache[key]; ok && now.Sub(r.at) < p.TTL {
		p.mu.Unlock()
		return r.ok
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	conn, err := n.Dialer().DialContext(ctx, "tcp", p.Target)
	ok := err == nil
	if ok {
		_ = conn.Close()
	}

	p.mu.Lock()
	if p.cache == nil {
		p.cache = make(map[string]probeResult)
	}
	p.cache[key] = probeResult{ok: ok, at: now}
	p.mu.Unlock()
	return ok
}
