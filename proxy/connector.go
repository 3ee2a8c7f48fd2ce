package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy/internal/socks5"
)

// connect opens the outbound connection for a CONNECT request through the
// transport's current network. When the first attempt fails the network
// state is refreshed from the system and the request is retried once.
func (l *Listener) connect(ctx context.Context, dest *socks5.AddrSpec) (net.Conn, error) {
	t := l.config.Transport
	nets := l.config.Networks

	n, err := nets.Acquire(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("no %s network: %w", t, err)
	}
	conn, err := l.dialVia(ctx, n, dest)
	if err == nil {
		return conn, nil
	}
	l.log.Debug("proxy: connect failed, refreshing network", "dest", dest.String(), "network", n.String(), "error", err)

	if rerr := nets.Refresh(ctx); rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	n2, aerr := nets.Acquire(ctx, t)
	if aerr != nil {
		return nil, errors.Join(err, aerr)
	}
	conn, err2 := l.dialVia(ctx, n2, dest)
	if err2 != nil {
		return nil, errors.Join(err, err2)
	}
	return conn, nil
}

// dialVia resolves dest through n when it is a domain and dials it with a
// socket bound to n.
func (l *Listener) dialVia(ctx context.Context, n *netmon.Network, dest *socks5.AddrSpec) (net.Conn, error) {
	ip := dest.IP
	if dest.FQDN != "" {
		addrs, err := l.lookup(ctx, n, dest.FQDN)
		if err != nil {
			return nil, fmt.Errorf("resolve %q via %s: %w", dest.FQDN, n.Name, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses found for %q", dest.FQDN)
		}
		ip = addrs[0].IP
	}
	return l.dial(ctx, n, net.JoinHostPort(ip.String(), strconv.Itoa(dest.Port)))
}
