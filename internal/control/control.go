// Package control implements the daemon's local control socket: a unix
// socket carrying one JSON request per line, each answered by one JSON
// response line.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SocketBaseName is the file name of the default socket.
const SocketBaseName = "frpbox.sock"

// Operations understood by the daemon.
const (
	OpPing      = "ping"
	OpStart     = "start"
	OpStop      = "stop"
	OpStopAll   = "stop_all"
	OpStatus    = "status"
	OpLogs      = "logs"
	OpClearLogs = "clear_logs"
	OpVersion   = "version"
	OpIntent    = "intent"
)

// ErrNotRunning is returned by clients when no daemon listens on the socket.
var ErrNotRunning = errors.New("control: daemon is not running")

// Request is one control request.
type Request struct {
	Op string `json:"op"`
	// Task is "kind/name" for start, stop, logs and clear_logs.
	Task string `json:"task,omitempty"`
	// Kind selects the binary for version and narrows intents.
	Kind string `json:"kind,omitempty"`
	// Name narrows intents.
	Name string `json:"name,omitempty"`
	// Action is the intent action.
	Action string `json:"action,omitempty"`
}

// Response answers a Request. Data holds the operation's result.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Op  string
	Msg string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("control: %s: %s", e.Op, e.Msg)
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/frpbox.sock, or a per-user
// file in the temp directory when XDG_RUNTIME_DIR is unset.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, SocketBaseName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("frpbox-%d.sock", os.Getuid()))
}
