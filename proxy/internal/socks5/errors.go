package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrMalformed indicates the peer sent bytes that are not a valid SOCKS5
	// greeting or request. No reply is written in that case.
	ErrMalformed = errors.New("socks5: malformed message")

	// ErrNoAcceptableMethod indicates the peer did not offer the no-auth method.
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable auth method")

	// ErrCommandNotSupported indicates a command other than CONNECT.
	ErrCommandNotSupported = errors.New("socks5: command not supported")
)

// IsExpected reports whether err is part of normal client churn: protocol
// violations, peers going away, closed sockets and cancellation. Such errors
// are logged at debug level only.
func IsExpected(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, ErrMalformed),
		errors.Is(err, ErrNoAcceptableMethod),
		errors.Is(err, ErrCommandNotSupported),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
