package frpbox

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Preference keys read by the supervisor.
const (
	PrefAutoStart               = "auto_start"
	PrefAutoStartClientList     = "auto_start_frpc_list"
	PrefAutoStartServerList     = "auto_start_frps_list"
	PrefAutoStartBroadcast      = "auto_start_broadcast"
	PrefAutoStartBroadcastExtra = "auto_start_broadcast_extra"
	PrefAutoStopBroadcast       = "auto_stop_broadcast"
	PrefHideServiceToast        = "hide_service_toast"
)

// Preferences is a read-only key-value store of user intents. Lookups of
// absent keys return the default.
type Preferences interface {
	Bool(key string, def bool) bool
	String(key, def string) string
	Strings(key string) []string
}

// autoStartKey returns the preference key listing the auto-start tasks of kind.
func autoStartKey(kind TaskKind) string {
	if kind == KindServer {
		return PrefAutoStartServerList
	}
	return PrefAutoStartClientList
}

// ---------------------------------------------------------------------------
// MapPreferences
// ---------------------------------------------------------------------------

// MapPreferences is an in-memory Preferences. Values are bool, string or
// []string.
type MapPreferences map[string]any

func (m MapPreferences) Bool(key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func (m MapPreferences) String(key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func (m MapPreferences) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ---------------------------------------------------------------------------
// FilePreferences
// ---------------------------------------------------------------------------

// FilePreferences reads preferences from a YAML mapping file. The file is
// re-read when its modification time changes, so edits take effect on the
// next decision without a restart. A missing or unreadable file yields
// defaults.
type FilePreferences struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	modTime int64
	size    int64
	values  MapPreferences
}

// NewFilePreferences returns preferences backed by path.
func NewFilePreferences(path string, logger *slog.Logger) *FilePreferences {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilePreferences{path: path, logger: logger}
}

func (p *FilePreferences) Bool(key string, def bool) bool { return p.load().Bool(key, def) }

func (p *FilePreferences) String(key, def string) string { return p.load().String(key, def) }

func (p *FilePreferences) Strings(key string) []string { return p.load().Strings(key) }

// Set writes key to the file, keeping the other keys.
func (p *FilePreferences) Set(key string, value any) error {
	values := MapPreferences{}
	for k, v := range p.load() {
		values[k] = v
	}
	values[key] = value

	data, err := yaml.Marshal(map[string]any(values))
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}

func (p *FilePreferences) load() MapPreferences {
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, err := os.Stat(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("preferences unreadable", "path", p.path, "error", err)
		}
		p.values, p.modTime, p.size = nil, 0, 0
		return MapPreferences{}
	}
	if p.values != nil && fi.ModTime().UnixNano() == p.modTime && fi.Size() == p.size {
		return p.values
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		p.logger.Warn("preferences unreadable", "path", p.path, "error", err)
		return MapPreferences{}
	}
	values := MapPreferences{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		p.logger.Warn("preferences malformed", "path", p.path, "error", err)
		return MapPreferences{}
	}
	p.values, p.modTime, p.size = values, fi.ModTime().UnixNano(), fi.Size()
	return values
}
