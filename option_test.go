package frpbox

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy"
)

// noNetworks never has a network to offer.
type noNetworks struct{}

func (noNetworks) Acquire(context.Context, netmon.Transport) (*netmon.Network, error) {
	return nil, errors.New("no network")
}
func (noNetworks) Refresh(context.Context) error { return nil }
func (noNetworks) Grace() netmon.Grace           { return netmon.Grace{} }

func applyOptions(opts ...Option) options {
	o := options{gates: make(map[netmon.Transport]ProxyGate)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

func TestWithEnv_CopiesInput(t *testing.T) {
	env := []string{"A=1"}
	opt := WithEnv(env...)
	env[0] = "A=changed"

	o := applyOptions(opt, WithEnv("B=2"))
	if want := []string{"A=1", "B=2"}; !slices.Equal(o.env, want) {
		t.Errorf("env = %v, want %v", o.env, want)
	}
}

func TestWithProxyGate(t *testing.T) {
	g := &fakeGate{addr: "127.0.0.1:10002"}
	o := applyOptions(WithProxyGate(netmon.Cellular, g))
	if o.gates[netmon.Cellular] != g {
		t.Error("cellular gate not registered")
	}
	if _, ok := o.gates[netmon.Wifi]; ok {
		t.Error("unexpected wifi gate")
	}
}

func TestWithProxies(t *testing.T) {
	set, err := proxy.NewSet(&proxy.Config{Networks: noNetworks{}})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	defer set.Close()

	o := applyOptions(WithProxies(set))
	for _, tr := range netmon.Transports {
		g, ok := o.gates[tr]
		if !ok {
			t.Fatalf("no gate for %s", tr)
		}
		if g.Addr() != proxy.DefaultAddr(tr) {
			t.Errorf("%s gate addr = %q, want %q", tr, g.Addr(), proxy.DefaultAddr(tr))
		}
	}
}

func TestHostFunc(t *testing.T) {
	called := 0
	var h Host = HostFunc(func() { called++ })
	h.Stop()
	if called != 1 {
		t.Errorf("called = %d, want 1", called)
	}
}
