package socks5

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// buildGreeting builds a SOCKS5 client greeting message.
func buildGreeting(version uint8, methods ...uint8) []byte {
	buf := make([]byte, 0, 2+len(methods))
	buf = append(buf, version, uint8(len(methods)))
	buf = append(buf, methods...)
	return buf
}

// buildRequest builds a SOCKS5 request with the given address type.
func buildRequest(cmd, addrType uint8, addr []byte, port uint16) []byte {
	buf := make([]byte, 0, 4+len(addr)+2)
	buf = append(buf, socks5Version, cmd, 0x00, addrType)
	buf = append(buf, addr...)
	return binary.BigEndian.AppendUint16(buf, port)
}

// failConnect always returns an error when connecting.
func failConnect(_ context.Context, _ *AddrSpec) (net.Conn, error) {
	return nil, errors.New("dial failed")
}

// echoServer accepts connections and echoes data back.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

// startConn runs ServeConn on one end of a pipe and returns the other end.
func startConn(t *testing.T, s *Server, ctx context.Context) (net.Conn, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	done := make(chan error, 1)
	go func() {
		done <- s.ServeConn(ctx, server)
	}()
	return client, done
}

// greet performs a successful no-auth negotiation.
func greet(t *testing.T, c net.Conn) {
	t.Helper()
	if _, err := c.Write(buildGreeting(socks5Version, noAuth)); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(c, resp); err != nil {
		t.Fatalf("read greeting response: %v", err)
	}
	if !bytes.Equal(resp, []byte{5, 0}) {
		t.Fatalf("greeting response = %v, want [5 0]", resp)
	}
}

// expectClosedWithoutReply asserts that the server closes c without writing.
func expectClosedWithoutReply(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(make([]byte, 16))
	if n != 0 || err == nil {
		t.Fatalf("expected close without reply, got n=%d err=%v", n, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("server kept the connection open")
	}
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("ServeConn did not return")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Tests: framing
// ---------------------------------------------------------------------------

func TestReadByte_EOF(t *testing.T) {
	_, err := readByte(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadFull_Short(t *testing.T) {
	_, err := readFull(bytes.NewReader([]byte{1, 2}), 4)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
	got, err := readFull(bytes.NewReader([]byte{1, 2, 3}), 3)
	if err != nil || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("readFull = %v, %v", got, err)
	}
}

// ---------------------------------------------------------------------------
// Tests: AddrSpec / Request encoding
// ---------------------------------------------------------------------------

func TestAddrSpec_Address(t *testing.T) {
	tests := []struct {
		addr AddrSpec
		want string
	}{
		{AddrSpec{FQDN: "example.com", Port: 443}, "example.com:443"},
		{AddrSpec{IP: net.ParseIP("1.2.3.4"), Port: 80}, "1.2.3.4:80"},
		{AddrSpec{IP: net.ParseIP("::1"), Port: 8080}, "[::1]:8080"},
	}
	for _, tt := range tests {
		if got := tt.addr.Address(); got != tt.want {
			t.Errorf("Address() = %q, want %q", got, tt.want)
		}
	}
}

func TestRequest_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr *AddrSpec
	}{
		{"ipv4", &AddrSpec{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 7000}},
		{"ipv6", &AddrSpec{IP: net.ParseIP("2001:db8::1"), Port: 443}},
		{"domain", &AddrSpec{FQDN: "frp.example.org", Port: 7000}},
		{"max port", &AddrSpec{FQDN: "a", Port: 65535}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Request{Version: socks5Version, Command: connectCommand, DestAddr: tt.addr}
			b, err := in.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			out, err := ParseRequest(bytes.NewReader(b))
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if out.Command != connectCommand || out.DestAddr.Port != tt.addr.Port ||
				out.DestAddr.FQDN != tt.addr.FQDN || !out.DestAddr.IP.Equal(tt.addr.IP) {
				t.Fatalf("round trip: got %+v, want %+v", out.DestAddr, tt.addr)
			}
		})
	}
}

func TestRequest_MarshalErrors(t *testing.T) {
	long := string(bytes.Repeat([]byte("a"), 256))
	bad := []*Request{
		{},
		{DestAddr: &AddrSpec{Port: 80}},
		{DestAddr: &AddrSpec{FQDN: long, Port: 80}},
		{DestAddr: &AddrSpec{FQDN: "x", Port: 70000}},
	}
	for i, r := range bad {
		if _, err := r.MarshalBinary(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"wrong version", []byte{4, 1, 0, 1, 1, 2, 3, 4, 0, 80}, ErrMalformed},
		{"unknown atyp", []byte{5, 1, 0, 9}, ErrMalformed},
		{"short header", []byte{5, 1}, io.ErrUnexpectedEOF},
		{"short ipv6", append([]byte{5, 1, 0, 4}, make([]byte, 10)...), io.ErrUnexpectedEOF},
		{"missing port", []byte{5, 1, 0, 3, 1, 'a'}, io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(bytes.NewReader(tt.in))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Tests: negotiation
// ---------------------------------------------------------------------------

func TestServeConn_NoAuthSelected(t *testing.T) {
	s, _ := New(&Config{Connect: failConnect})
	client, done := startConn(t, s, context.Background())

	if _, err := client.Write(buildGreeting(socks5Version, 0x02, noAuth)); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{5, 0}) {
		t.Fatalf("response = %v, want [5 0]", resp)
	}
	client.Close()
	_ = waitErr(t, done)
}

func TestServeConn_NoAcceptableAuth(t *testing.T) {
	s, _ := New(nil)
	client, done := startConn(t, s, context.Background())

	if _, err := client.Write(buildGreeting(socks5Version, 0x02)); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{5, 0xFF}) {
		t.Fatalf("response = %v, want [5 255]", resp)
	}
	expectClosedWithoutReply(t, client)
	if err := waitErr(t, done); !errors.Is(err, ErrNoAcceptableMethod) {
		t.Fatalf("err = %v, want ErrNoAcceptableMethod", err)
	}
}

func TestServeConn_InvalidVersion(t *testing.T) {
	s, _ := New(nil)
	client, done := startConn(t, s, context.Background())

	// The server stops reading after the version byte, so the rest of the
	// write may fail.
	_, _ = client.Write(buildGreeting(4, noAuth))
	expectClosedWithoutReply(t, client)
	if err := waitErr(t, done); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

// ---------------------------------------------------------------------------
// Tests: request handling
// ---------------------------------------------------------------------------

func TestServeConn_UnsupportedCommand(t *testing.T) {
	for _, cmd := range []uint8{bindCommand, associateCommand} {
		s, _ := New(&Config{Connect: failConnect})
		client, done := startConn(t, s, context.Background())
		greet(t, client)

		if _, err := client.Write(buildRequest(cmd, ipv4Address, []byte{1, 2, 3, 4}, 80)); err != nil {
			t.Fatal(err)
		}
		resp := make([]byte, 10)
		if _, err := io.ReadFull(client, resp); err != nil {
			t.Fatal(err)
		}
		want := []byte{5, 0x07, 0, 1, 0, 0, 0, 0, 0, 0}
		if !bytes.Equal(resp, want) {
			t.Fatalf("cmd %d reply = %v, want %v", cmd, resp, want)
		}
		expectClosedWithoutReply(t, client)
		if err := waitErr(t, done); !errors.Is(err, ErrCommandNotSupported) {
			t.Fatalf("err = %v, want ErrCommandNotSupported", err)
		}
	}
}

func TestServeConn_UnknownAddrTypeNoReply(t *testing.T) {
	s, _ := New(&Config{Connect: failConnect})
	client, done := startConn(t, s, context.Background())
	greet(t, client)

	if _, err := client.Write([]byte{5, connectCommand, 0, 0x09}); err != nil {
		t.Fatal(err)
	}
	expectClosedWithoutReply(t, client)
	if err := waitErr(t, done); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestServeConn_RequestVersionMismatchNoReply(t *testing.T) {
	s, _ := New(&Config{Connect: failConnect})
	client, done := startConn(t, s, context.Background())
	greet(t, client)

	if _, err := client.Write([]byte{4, connectCommand, 0, ipv4Address}); err != nil {
		t.Fatal(err)
	}
	expectClosedWithoutReply(t, client)
	if err := waitErr(t, done); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestServeConn_ConnectFailure(t *testing.T) {
	s, _ := New(&Config{Connect: failConnect})
	client, done := startConn(t, s, context.Background())
	greet(t, client)

	if _, err := client.Write(buildRequest(connectCommand, fqdnAddress, append([]byte{7}, "example"...), 80)); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, 10)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatal(err)
	}
	if resp[1] != serverFailure {
		t.Fatalf("reply status = %d, want %d", resp[1], serverFailure)
	}
	if err := waitErr(t, done); err == nil || IsExpected(err) {
		t.Fatalf("err = %v, want unexpected connect error", err)
	}
}

func TestServeConn_DomainPassedUnresolved(t *testing.T) {
	got := make(chan *AddrSpec, 1)
	s, _ := New(&Config{Connect: func(_ context.Context, dest *AddrSpec) (net.Conn, error) {
		got <- dest
		return nil, errors.New("stop")
	}})
	client, done := startConn(t, s, context.Background())
	greet(t, client)

	host := "frps.example.net"
	req := buildRequest(connectCommand, fqdnAddress, append([]byte{uint8(len(host))}, host...), 7000)
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}
	_, _ = io.ReadFull(client, make([]byte, 10))
	_ = waitErr(t, done)

	dest := <-got
	if dest.FQDN != host || dest.IP != nil || dest.Port != 7000 {
		t.Fatalf("dest = %+v", dest)
	}
}

func TestServeConn_ConnectAndRelay(t *testing.T) {
	ln := echoServer(t)
	addr := ln.Addr().(*net.TCPAddr)

	s, _ := New(nil)
	client, done := startConn(t, s, context.Background())
	greet(t, client)

	if _, err := client.Write(buildRequest(connectCommand, ipv4Address, addr.IP.To4(), uint16(addr.Port))); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, 10)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp, []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("success reply = %v", resp)
	}

	payload := bytes.Repeat([]byte("frp"), 10000)
	go func() { _, _ = client.Write(payload) }()
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatalf("read echoed data: %v", err)
	}
	if !bytes.Equal(payload, echoed) {
		t.Fatal("echoed data mismatch")
	}

	client.Close()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("ServeConn: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Tests: relay teardown
// ---------------------------------------------------------------------------

func TestRelay_RemoteCloseEndsClient(t *testing.T) {
	remoteTest, remoteProxy := net.Pipe()
	s, _ := New(&Config{Connect: func(context.Context, *AddrSpec) (net.Conn, error) {
		return remoteProxy, nil
	}})
	client, done := startConn(t, s, context.Background())
	greet(t, client)
	if _, err := client.Write(buildRequest(connectCommand, ipv4Address, []byte{127, 0, 0, 1}, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(client, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}

	remoteTest.Close()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("ServeConn: %v", err)
	}
	expectClosedWithoutReply(t, client)
}

func TestRelay_ClientCloseClosesRemote(t *testing.T) {
	remoteTest, remoteProxy := net.Pipe()
	defer remoteTest.Close()
	s, _ := New(&Config{Connect: func(context.Context, *AddrSpec) (net.Conn, error) {
		return remoteProxy, nil
	}})
	client, done := startConn(t, s, context.Background())
	greet(t, client)
	if _, err := client.Write(buildRequest(connectCommand, ipv4Address, []byte{127, 0, 0, 1}, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(client, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}

	client.Close()
	_ = waitErr(t, done)
	_ = remoteTest.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remoteTest.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("remote read err = %v, want io.EOF", err)
	}
}

func TestRelay_ContextCancel(t *testing.T) {
	remoteTest, remoteProxy := net.Pipe()
	defer remoteTest.Close()
	s, _ := New(&Config{Connect: func(context.Context, *AddrSpec) (net.Conn, error) {
		return remoteProxy, nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	client, done := startConn(t, s, ctx)
	greet(t, client)
	if _, err := client.Write(buildRequest(connectCommand, ipv4Address, []byte{127, 0, 0, 1}, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(client, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}

	cancel()
	_ = waitErr(t, done)
}

// ---------------------------------------------------------------------------
// Tests: Serve
// ---------------------------------------------------------------------------

func TestServe_ListenerCloseKeepsConnections(t *testing.T) {
	echo := echoServer(t)
	addr := echo.Addr().(*net.TCPAddr)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := New(nil)
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	greet(t, c)
	if _, err := c.Write(buildRequest(connectCommand, ipv4Address, addr.IP.To4(), uint16(addr.Port))); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(c, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}

	ln.Close()
	if err := <-served; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("in-flight relay broken: %q %v", buf, err)
	}

	c.Close()
	s.Wait()
}

// ---------------------------------------------------------------------------
// Tests: IsExpected
// ---------------------------------------------------------------------------

func TestIsExpected(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{io.EOF, true},
		{ErrMalformed, true},
		{context.Canceled, true},
		{net.ErrClosed, true},
		{errors.New("no route to host"), false},
	}
	for _, tt := range tests {
		if got := IsExpected(tt.err); got != tt.want {
			t.Errorf("IsExpected(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
