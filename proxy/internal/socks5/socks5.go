// Package socks5 implements the subset of SOCKS5 (RFC 1928) served by the
// interface-bound listeners: no-auth negotiation and CONNECT to IPv4, IPv6
// or domain destinations. Resolution and dialing are delegated to a
// ConnectFunc so that every outbound socket is created by the caller.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// SOCKS5 protocol constants.
const (
	socks5Version       = uint8(5)
	noAuth              = uint8(0)
	noAcceptable        = uint8(0xFF)
	connectCommand      = uint8(1)
	bindCommand         = uint8(2)
	associateCommand    = uint8(3)
	ipv4Address         = uint8(1)
	fqdnAddress         = uint8(3)
	ipv6Address         = uint8(4)
	successReply        = uint8(0)
	serverFailure       = uint8(1)
	commandNotSupported = uint8(7)
)

// DefaultBufferSize is the relay buffer size per direction.
const DefaultBufferSize = 16 * 1024

// AddrSpec holds the destination address from a SOCKS5 request.
type AddrSpec struct {
	FQDN string
	IP   net.IP
	Port int
}

// String returns a human-readable representation of the address.
func (a *AddrSpec) String() string {
	return a.Address()
}

// Address returns the address suitable for dialing (host:port).
// For IPv6 addresses, the IP is enclosed in brackets.
func (a *AddrSpec) Address() string {
	if a.FQDN != "" {
		return net.JoinHostPort(a.FQDN, strconv.Itoa(a.Port))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// Request represents a parsed SOCKS5 client request.
type Request struct {
	Version  uint8
	Command  uint8
	DestAddr *AddrSpec
}

// MarshalBinary encodes r in wire format. Domain destinations use ATYP 3,
// IPv4 destinations ATYP 1 and everything else ATYP 4.
func (r *Request) MarshalBinary() ([]byte, error) {
	if r.DestAddr == nil {
		return nil, errors.New("socks5: request without destination")
	}
	a := r.DestAddr
	if a.Port < 0 || a.Port > 0xFFFF {
		return nil, fmt.Errorf("socks5: port %d out of range", a.Port)
	}
	buf := []byte{socks5Version, r.Command, 0x00}
	switch {
	case a.FQDN != "":
		if len(a.FQDN) > 255 {
			return nil, fmt.Errorf("socks5: domain %q too long", a.FQDN)
		}
		buf = append(buf, fqdnAddress, uint8(len(a.FQDN)))
		buf = append(buf, a.FQDN...)
	case a.IP.To4() != nil:
		buf = append(buf, ipv4Address)
		buf = append(buf, a.IP.To4()...)
	case len(a.IP) == net.IPv6len:
		buf = append(buf, ipv6Address)
		buf = append(buf, a.IP...)
	default:
		return nil, errors.New("socks5: destination has neither domain nor IP")
	}
	return binary.BigEndian.AppendUint16(buf, uint16(a.Port)), nil
}

// ParseRequest reads a request from r. A wrong version byte or an unknown
// address type yields ErrMalformed.
func ParseRequest(r io.Reader) (*Request, error) {
	return readRequest(r)
}

// ConnectFunc opens the outbound connection for a CONNECT request. The
// destination is passed unresolved: domains are resolved by the callee.
type ConnectFunc func(ctx context.Context, dest *AddrSpec) (net.Conn, error)

// Config for the SOCKS5 server.
type Config struct {
	// Connect opens outbound connections. If nil, a plain net.Dialer is used.
	Connect ConnectFunc

	// Logger receives per-connection outcomes. Expected errors are logged at
	// debug level, everything else at warn. If nil, output is discarded.
	Logger *slog.Logger

	// HandshakeTimeout bounds negotiation and request parsing. Zero disables it.
	HandshakeTimeout time.Duration

	// BufferSize is the relay buffer per direction. Zero selects DefaultBufferSize.
	BufferSize int
}

// Server is a minimal SOCKS5 proxy server supporting only CONNECT.
type Server struct {
	config *Config
	wg     sync.WaitGroup
}

// New creates a new SOCKS5 server with the given configuration.
// If conf is nil, a default configuration is used.
func New(conf *Config) (*Server, error) {
	if conf == nil {
		conf = &Config{}
	}
	c := *conf
	if c.Connect == nil {
		var d net.Dialer
		c.Connect = func(ctx context.Context, dest *AddrSpec) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", dest.Address())
		}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return &Server{config: &c}, nil
}

// Serve accepts connections on l and handles each one in a new goroutine
// bound to ctx. It returns nil when the listener is closed. Closing l does not
// interrupt connections already accepted; cancelling ctx does.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			// Closed listener is a normal shutdown signal.
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logResult(conn, s.ServeConn(ctx, conn))
		}()
	}
}

// Wait blocks until every connection started by Serve has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) logResult(conn net.Conn, err error) {
	if err == nil {
		return
	}
	if IsExpected(err) {
		s.config.Logger.Debug("socks5: connection closed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	s.config.Logger.Warn("socks5: connection failed", "remote", conn.RemoteAddr().String(), "error", err)
}

// ServeConn handles a single SOCKS5 connection from greeting through
// relaying. The connection is always closed before returning.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close() //nolint:errcheck // best-effort close

	if d := s.config.HandshakeTimeout; d > 0 {
		_ = conn.SetDeadline(time.Now().Add(d))
	}

	// 1. Negotiate.
	if err := negotiate(conn); err != nil {
		return err
	}

	// 2. Read client request. Malformed requests are dropped without a reply.
	req, err := readRequest(conn)
	if err != nil {
		return err
	}

	// 3. Only CONNECT is supported.
	if req.Command != connectCommand {
		_ = sendReply(conn, commandNotSupported)
		return fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Command)
	}

	// 4. Handle CONNECT.
	return s.handleConnect(ctx, conn, req)
}

// negotiate reads the client greeting and selects the no-auth method.
func negotiate(conn io.ReadWriter) error {
	version, err := readByte(conn)
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	if version != socks5Version {
		return fmt.Errorf("%w: version %d", ErrMalformed, version)
	}

	nMethods, err := readByte(conn)
	if err != nil {
		return fmt.Errorf("failed to read nMethods: %w", err)
	}
	methods, err := readFull(conn, int(nMethods))
	if err != nil {
		return fmt.Errorf("failed to read methods: %w", err)
	}

	for _, m := range methods {
		if m == noAuth {
			if _, err := conn.Write([]byte{socks5Version, noAuth}); err != nil {
				return fmt.Errorf("failed to send method selection: %w", err)
			}
			return nil
		}
	}
	_, _ = conn.Write([]byte{socks5Version, noAcceptable})
	return ErrNoAcceptableMethod
}

// handleConnect opens the outbound connection, replies and relays.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, req *Request) error {
	target, err := s.config.Connect(ctx, req.DestAddr)
	if err != nil {
		_ = sendReply(conn, serverFailure)
		return fmt.Errorf("failed to connect %s: %w", req.DestAddr, err)
	}
	defer target.Close() //nolint:errcheck // best-effort close

	if err := sendReply(conn, successReply); err != nil {
		return fmt.Errorf("failed to send success reply: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	relay(ctx, conn, target, s.config.BufferSize)
	return nil
}

// readRequest parses a SOCKS5 request from the connection.
//
//nolint:gosec // G602 false positive: header is a fixed [4]byte array, indices are always valid.
func readRequest(conn io.Reader) (*Request, error) {
	// Header: version, command, reserved, addrType
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read request header: %w", err)
	}

	if header[0] != socks5Version {
		return nil, fmt.Errorf("%w: request version %d", ErrMalformed, header[0])
	}

	req := &Request{
		Version: header[0],
		Command: header[1],
	}

	addr := &AddrSpec{}
	switch addrType := header[3]; addrType {
	case ipv4Address:
		ip, err := readFull(conn, net.IPv4len)
		if err != nil {
			return nil, fmt.Errorf("failed to read IPv4 address: %w", err)
		}
		addr.IP = net.IP(ip)

	case fqdnAddress:
		fqdnLen, err := readByte(conn)
		if err != nil {
			return nil, fmt.Errorf("failed to read FQDN length: %w", err)
		}
		fqdn, err := readFull(conn, int(fqdnLen))
		if err != nil {
			return nil, fmt.Errorf("failed to read FQDN: %w", err)
		}
		addr.FQDN = string(fqdn)

	case ipv6Address:
		ip, err := readFull(conn, net.IPv6len)
		if err != nil {
			return nil, fmt.Errorf("failed to read IPv6 address: %w", err)
		}
		addr.IP = net.IP(ip)

	default:
		return nil, fmt.Errorf("%w: address type %d", ErrMalformed, addrType)
	}

	// Read port (2 bytes, big-endian).
	portBuf, err := readFull(conn, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to read port: %w", err)
	}
	addr.Port = int(binary.BigEndian.Uint16(portBuf))

	req.DestAddr = addr
	return req, nil
}

// sendReply writes a minimal SOCKS5 reply with the given status code.
func sendReply(conn io.Writer, status uint8) error {
	// [version, status, reserved, addrType=IPv4, 0.0.0.0, port=0]
	_, err := conn.Write([]byte{
		socks5Version, status, 0x00, ipv4Address,
		0, 0, 0, 0,
		0, 0,
	})
	return err
}
