package frpbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zhangyunhao116/frpbox/internal/pathutil"
)

// TaskKind selects the worker binary of a task.
type TaskKind string

const (
	// KindClient runs the reverse-proxy client (frpc).
	KindClient TaskKind = "frpc"

	// KindServer runs the reverse-proxy server (frps).
	KindServer TaskKind = "frps"
)

// Kinds lists every task kind.
var Kinds = []TaskKind{KindClient, KindServer}

// Valid reports whether k is a known kind.
func (k TaskKind) Valid() bool {
	return k == KindClient || k == KindServer
}

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (TaskKind, error) {
	k := TaskKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: kind %q", ErrUnknownTask, s)
	}
	return k, nil
}

// Task identifies one supervised worker: a kind and the name of its config
// file inside the kind's config directory. Tasks are comparable and are used
// as map keys.
type Task struct {
	Kind TaskKind
	Name string
}

// String renders the task as "[frpc]name.toml".
func (t Task) String() string {
	return "[" + string(t.Kind) + "]" + t.Name
}

// Validate reports whether t has a known kind and a plain file name.
func (t Task) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrUnknownTask, t.Kind)
	}
	if err := pathutil.ValidFileName(t.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownTask, err)
	}
	return nil
}

// ParseTask parses "kind/name" (as used on the command line and the control
// socket) or the "[kind]name" form produced by String.
func ParseTask(s string) (Task, error) {
	var kind, name string
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Task{}, fmt.Errorf("%w: %q", ErrUnknownTask, s)
		}
		kind, name = s[1:end], s[end+1:]
	default:
		var ok bool
		kind, name, ok = strings.Cut(s, "/")
		if !ok {
			return Task{}, fmt.Errorf("%w: %q (want kind/name)", ErrUnknownTask, s)
		}
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Task{}, err
	}
	t := Task{Kind: k, Name: name}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// MarshalText encodes the task as "kind/name".
func (t Task) MarshalText() ([]byte, error) {
	return []byte(string(t.Kind) + "/" + t.Name), nil
}

// UnmarshalText decodes a task with ParseTask.
func (t *Task) UnmarshalText(b []byte) error {
	v, err := ParseTask(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// key is the "kind/name" form matched by link rules.
func (t Task) key() string {
	return string(t.Kind) + "/" + t.Name
}

// configPath returns the config file of t below dir.
func (t Task) configPath(dir string) string {
	return filepath.Join(dir, string(t.Kind), t.Name)
}

// logPath returns the log file of t below dir. The ".toml" suffix of the
// config name becomes ".log".
func (t Task) logPath(dir string) string {
	return filepath.Join(dir, string(t.Kind), pathutil.ReplaceExt(t.Name, ".toml", ".log"))
}
