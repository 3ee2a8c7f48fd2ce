package socks5

import (
	"context"
	"net"
	"sync"
	"time"
)

// relay copies bytes between client and remote until either direction ends
// or ctx is cancelled. The first direction to finish tears down the other:
// both sockets get an immediate deadline and remote is closed, so neither
// side is left half open. Every chunk read is written in full before the
// next read.
func relay(ctx context.Context, client, remote net.Conn, bufSize int) {
	var once sync.Once
	stop := func() {
		once.Do(func() {
			now := time.Now()
			_ = client.SetDeadline(now)
			_ = remote.SetDeadline(now)
			_ = remote.Close()
		})
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-watchDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		defer stop()
		buf := make([]byte, bufSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	go pipe(remote, client)
	go pipe(client, remote)
	wg.Wait()
}
