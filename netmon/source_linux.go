//go:build linux

package netmon

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// netlinkGroups selects link, address and route notifications.
const netlinkGroups = unix.RTMGRP_LINK |
	unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR |
	unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE

// Watch implements Source. It subscribes to rtnetlink multicast groups and
// additionally polls so that validation changes are picked up.
func (s *SystemSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netmon: netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: netlinkGroups}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netmon: netlink bind: %w", err)
	}
	// A receive timeout lets the reader observe ctx cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netmon: netlink timeout: %w", err)
	}

	n := newNotifier(s.debounce())
	go poll(ctx, n, s.pollInterval())
	go func() {
		defer n.close()
		defer unix.Close(fd) //nolint:errcheck // best-effort close
		buf := make([]byte, 1<<16)
		for ctx.Err() == nil {
			nr, _, err := unix.Recvfrom(fd, buf, 0)
			switch {
			case err == nil && nr > 0:
				n.kick()
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.ENOBUFS):
				// Messages were dropped; rescan anyway.
				n.kick()
			case err != nil:
				s.Logger.Warn("netmon: netlink receive failed", "error", err)
				return
			}
		}
	}()
	return n.out, nil
}
