//go:build darwin

package netmon

import (
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// dialTimeout bounds outbound connection setup through a bound interface.
const dialTimeout = 10 * time.Second

// Dialer returns a dialer whose sockets are scoped to the interface of n
// with IP_BOUND_IF / IPV6_BOUND_IF.
func (n *Network) Dialer() *net.Dialer {
	index := n.Index
	return &net.Dialer{
		Timeout: dialTimeout,
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				if strings.HasSuffix(network, "6") {
					sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, index)
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, index)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
}

func (n *Network) dialerFor(string) *net.Dialer {
	return n.Dialer()
}
