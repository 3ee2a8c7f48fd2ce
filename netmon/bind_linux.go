//go:build linux

package netmon

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// dialTimeout bounds outbound connection setup through a bound interface.
const dialTimeout = 10 * time.Second

// Dialer returns a dialer whose sockets are bound to the interface of n with
// SO_BINDTODEVICE, so that traffic leaves through it regardless of the
// routing table's default route.
func (n *Network) Dialer() *net.Dialer {
	name := n.Name
	return &net.Dialer{
		Timeout: dialTimeout,
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = unix.BindToDevice(int(fd), name)
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
