package proxy

import (
	"context"
	"net"
	"time"
)

// Reachable reports whether a TCP connection to addr can be opened within
// timeout. The connection is closed immediately.
func Reachable(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
