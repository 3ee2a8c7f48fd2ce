package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// maxRequestSize bounds one request line.
const maxRequestSize = 64 * 1024

// Handler serves control requests. The returned value is JSON-encoded into
// Response.Data.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) { return f(ctx, req) }

// Server accepts control connections on a unix socket.
type Server struct {
	path    string
	ln      net.Listener
	handler Handler
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listen binds the socket at path with mode 0600. A stale socket file left
// by a dead daemon is removed; a live one makes Listen fail.
func Listen(path string, h Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if _, err := os.Stat(path); err == nil {
		if alive(path) {
			return nil, fmt.Errorf("control: daemon already listening on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("control: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("control: chmod socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:    path,
		ln:      ln,
		handler: h,
		log:     logger.With("socket", path),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func alive(path string) bool {
	c, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 4096), maxRequestSize)
	enc := json.NewEncoder(c)
	for sc.Scan() {
		var req Request
		var resp Response
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			resp.Error = fmt.Sprintf("malformed request: %v", err)
		} else {
			resp = s.handle(req)
		}
		if err := enc.Encode(&resp); err != nil {
			s.log.Debug("control: write failed", "error", err)
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("control: read failed", "error", err)
	}
}

func (s *Server) handle(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("control: handler panic", "op", req.Op, "panic", r)
			resp = Response{Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	s.log.Debug("control: request", "op", req.Op, "task", req.Task)
	v, err := s.handler.Handle(s.ctx, req)
	if err != nil {
		return Response{Error: err.Error()}
	}
	resp.OK = true
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return Response{Error: fmt.Sprintf("encode result: %v", err)}
		}
		resp.Data = data
	}
	return resp
}

// Close stops accepting, cancels in-flight requests, closes every
// connection and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}
