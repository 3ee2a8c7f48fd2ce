//go:build !linux && !darwin

package netmon

import (
	"net"
	"strings"
	"time"
)

// dialTimeout bounds outbound connection setup through a bound interface.
const dialTimeout = 10 * time.Second

// Dialer returns a dialer that binds the source address to the first IPv4
// address of n. Platforms without per-socket interface binding rely on the
// routing table honouring the source address.
func (n *Network) Dialer() *net.Dialer {
	return n.dialerFor("tcp")
}

func (n *Network) dialerFor(network string) *net.Dialer {
	d := &net.Dialer{Timeout: dialTimeout}
	for _, a := range n.Addrs {
		if !a.Is4() {
			continue
		}
		if strings.HasPrefix(network, "udp") {
			d.LocalAddr = &net.UDPAddr{IP: a.AsSlice()}
		} else {
			d.LocalAddr = &net.TCPAddr{IP: a.AsSlice()}
		}
		break
	}
	return d
}
