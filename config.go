package frpbox

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhangyunhao116/frpbox/internal/pathutil"
	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy"
)

const unknownStr = "unknown"

// ProxyConfig configures the per-transport SOCKS5 listeners.
type ProxyConfig struct {
	// WifiAddr and CellularAddr are the loopback listen addresses.
	WifiAddr     string `yaml:"wifi_addr"`
	CellularAddr string `yaml:"cellular_addr"`

	// BindAttempts and BindInterval bound the bind retry loop.
	BindAttempts int           `yaml:"bind_attempts"`
	BindInterval time.Duration `yaml:"bind_interval"`

	// HandshakeTimeout bounds SOCKS5 negotiation per connection.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// HTTPProxyVars also exports HTTP_PROXY/http_proxy to linked workers.
	// frpc only reads the proxy from http_proxy when its own
	// transport.proxyURL is unset.
	HTTPProxyVars bool `yaml:"http_proxy_vars"`
}

// NetworkConfig configures network monitoring.
type NetworkConfig struct {
	// ValidatedGrace and DataGrace keep a running listener up while the
	// transport briefly loses validation or data connectivity.
	ValidatedGrace time.Duration `yaml:"validated_grace"`
	DataGrace      time.Duration `yaml:"data_grace"`

	// LostRefreshDelay is the delay before re-reading the system after the
	// current network is lost.
	LostRefreshDelay time.Duration `yaml:"lost_refresh_delay"`

	// WaitAttempts and WaitInterval bound how long a connect waits for a
	// network to appear.
	WaitAttempts int           `yaml:"wait_attempts"`
	WaitInterval time.Duration `yaml:"wait_interval"`

	// PollInterval and Debounce tune the system source.
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`

	// ProbeTarget is dialed through an interface to validate it. Empty
	// disables probing and every candidate counts as validated.
	ProbeTarget  string        `yaml:"probe_target"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	ProbeTTL     time.Duration `yaml:"probe_ttl"`

	// Interfaces maps interface names to transports.
	Interfaces netmon.Classifier `yaml:"interfaces"`
}

// SupervisorConfig tunes worker supervision.
type SupervisorConfig struct {
	// PortWaitTimeout and PortWaitInterval bound the wait for a linked
	// task's proxy port before its worker is spawned.
	PortWaitTimeout  time.Duration `yaml:"port_wait_timeout"`
	PortWaitInterval time.Duration `yaml:"port_wait_interval"`

	// ReconcileInterval is the period of the linked-task reconciliation loop.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// RestartInterval is the minimum time between two restarts of one task
	// by the reconciliation loop.
	RestartInterval time.Duration `yaml:"restart_interval"`

	// VersionTimeout bounds the "-v" probe of a worker binary.
	VersionTimeout time.Duration `yaml:"version_timeout"`

	// DetectLinks marks client tasks whose config file mentions a proxy
	// listener address as linked to that listener's transport.
	DetectLinks bool `yaml:"detect_links"`
}

// LinkRule links every task whose "kind/name" matches Task (a path.Match
// pattern such as "frpc/cell-*.toml") to the listener of Transport.
type LinkRule struct {
	Task      string           `yaml:"task"`
	Transport netmon.Transport `yaml:"transport"`
}

// ScheduleAction is what a schedule rule does when it fires.
type ScheduleAction string

const (
	ScheduleStart   ScheduleAction = "start"
	ScheduleStop    ScheduleAction = "stop"
	ScheduleStopAll ScheduleAction = "stop_all"
)

// ScheduleRule fires Action on Spec, a cron expression ("0 8 * * 1-5"), a
// descriptor ("@hourly") or a duration ("30m"). Task is "kind/name"; empty
// means the auto-start set.
type ScheduleRule struct {
	Spec   string         `yaml:"spec"`
	Action ScheduleAction `yaml:"action"`
	Task   string         `yaml:"task"`
}

// LoggingConfig configures the daemon logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
}

// Config holds the complete configuration of a Supervisor and the daemon
// around it.
type Config struct {
	// ClientBinary and ServerBinary are the frpc and frps executables. A bare
	// name is looked up in PATH when a task starts.
	ClientBinary string `yaml:"client_binary"`
	ServerBinary string `yaml:"server_binary"`

	// ConfigDir holds one subdirectory per kind with the task config files.
	// Workers run with the kind's subdirectory as working directory.
	ConfigDir string `yaml:"config_dir"`

	// LogDir holds one subdirectory per kind with the task log files.
	LogDir string `yaml:"log_dir"`

	// LogLines is the number of output lines kept per task.
	LogLines int `yaml:"log_lines"`

	// PreferencesFile is the YAML key-value file holding auto-start and
	// notification preferences. Empty means built-in defaults.
	PreferencesFile string `yaml:"preferences_file"`

	// ControlSocket is the unix socket of the daemon. Empty selects the
	// per-user default.
	ControlSocket string `yaml:"control_socket"`

	Proxy      ProxyConfig      `yaml:"proxy"`
	Network    NetworkConfig    `yaml:"network"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Links      []LinkRule       `yaml:"links"`
	Schedules  []ScheduleRule   `yaml:"schedules"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Logger is the structured logger for operational messages.
	// If nil, slog.Default() is used.
	Logger *slog.Logger `yaml:"-"`
}

// defaultBaseDir returns the directory holding configs and logs by default.
func defaultBaseDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir() // fallback
	}
	return filepath.Join(dir, "frpbox")
}

// DefaultConfig returns a Config with the standard ports, grace windows and
// timings.
func DefaultConfig() *Config {
	base := defaultBaseDir()
	return &Config{
		ClientBinary: "frpc",
		ServerBinary: "frps",
		ConfigDir:    base,
		LogDir:       filepath.Join(base, "logs"),
		LogLines:     50,
		Proxy: ProxyConfig{
			WifiAddr:         proxy.DefaultWifiAddr,
			CellularAddr:     proxy.DefaultCellularAddr,
			BindAttempts:     10,
			BindInterval:     300 * time.Millisecond,
			HandshakeTimeout: 30 * time.Second,
			HTTPProxyVars:    true,
		},
		Network: NetworkConfig{
			ValidatedGrace:   5 * time.Second,
			DataGrace:        5 * time.Second,
			LostRefreshDelay: time.Second,
			WaitAttempts:     50,
			WaitInterval:     200 * time.Millisecond,
			PollInterval:     15 * time.Second,
			Debounce:         200 * time.Millisecond,
			ProbeTarget:      "1.1.1.1:443",
			ProbeTimeout:     3 * time.Second,
			ProbeTTL:         30 * time.Second,
			Interfaces:       netmon.DefaultClassifier(),
		},
		Supervisor: SupervisorConfig{
			PortWaitTimeout:   8 * time.Second,
			PortWaitInterval:  200 * time.Millisecond,
			ReconcileInterval: time.Second,
			RestartInterval:   3 * time.Second,
			VersionTimeout:    5 * time.Second,
			DetectLinks:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Validate checks the configuration for errors and returns a descriptive error
// if any field is invalid. The returned error wraps ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	for _, f := range []struct{ name, value string }{
		{"ClientBinary", c.ClientBinary},
		{"ServerBinary", c.ServerBinary},
		{"ConfigDir", c.ConfigDir},
		{"LogDir", c.LogDir},
	} {
		if f.value == "" {
			errs = append(errs, f.name+": must not be empty")
		} else if pathutil.ContainsNullByte(f.value) {
			errs = append(errs, f.name+": must not contain null bytes")
		}
	}
	if c.LogLines < 0 {
		errs = append(errs, "LogLines: must be >= 0")
	}

	errs = c.validateProxy(errs)
	errs = c.validateDurations(errs)
	errs = c.validateRules(errs)

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("Logging.Level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("Logging.Format: unknown format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// validateProxy checks that both listeners bind distinct loopback ports.
func (c *Config) validateProxy(errs []string) []string {
	addrs := map[string]string{
		"Proxy.WifiAddr":     c.Proxy.WifiAddr,
		"Proxy.CellularAddr": c.Proxy.CellularAddr,
	}
	for _, name := range []string{"Proxy.WifiAddr", "Proxy.CellularAddr"} {
		if err := validateLoopback(addrs[name]); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if c.Proxy.WifiAddr != "" && proxy.PortOf(c.Proxy.WifiAddr) == proxy.PortOf(c.Proxy.CellularAddr) {
		errs = append(errs, "Proxy: WifiAddr and CellularAddr must use distinct ports")
	}
	if c.Proxy.BindAttempts < 0 {
		errs = append(errs, "Proxy.BindAttempts: must be >= 0")
	}
	return errs
}

func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback IP address", addr)
	}
	if proxy.PortOf(addr) <= 0 {
		return fmt.Errorf("%q needs a fixed port", addr)
	}
	return nil
}

// validateDurations rejects negative durations and counts.
func (c *Config) validateDurations(errs []string) []string {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"Proxy.BindInterval", c.Proxy.BindInterval},
		{"Proxy.HandshakeTimeout", c.Proxy.HandshakeTimeout},
		{"Network.ValidatedGrace", c.Network.ValidatedGrace},
		{"Network.DataGrace", c.Network.DataGrace},
		{"Network.LostRefreshDelay", c.Network.LostRefreshDelay},
		{"Network.WaitInterval", c.Network.WaitInterval},
		{"Network.PollInterval", c.Network.PollInterval},
		{"Network.Debounce", c.Network.Debounce},
		{"Network.ProbeTimeout", c.Network.ProbeTimeout},
		{"Network.ProbeTTL", c.Network.ProbeTTL},
		{"Supervisor.PortWaitTimeout", c.Supervisor.PortWaitTimeout},
		{"Supervisor.PortWaitInterval", c.Supervisor.PortWaitInterval},
		{"Supervisor.ReconcileInterval", c.Supervisor.ReconcileInterval},
		{"Supervisor.RestartInterval", c.Supervisor.RestartInterval},
		{"Supervisor.VersionTimeout", c.Supervisor.VersionTimeout},
	} {
		if d.value < 0 {
			errs = append(errs, d.name+": must be >= 0")
		}
	}
	if c.Network.WaitAttempts < 0 {
		errs = append(errs, "Network.WaitAttempts: must be >= 0")
	}
	if c.Network.ProbeTarget != "" {
		if _, _, err := net.SplitHostPort(c.Network.ProbeTarget); err != nil {
			errs = append(errs, fmt.Sprintf("Network.ProbeTarget: %v", err))
		}
	}
	for i, p := range c.Network.Interfaces.Wifi {
		if err := pathutil.ValidPattern(p); err != nil {
			errs = append(errs, fmt.Sprintf("Network.Interfaces.Wifi[%d]: %v", i, err))
		}
	}
	for i, p := range c.Network.Interfaces.Cellular {
		if err := pathutil.ValidPattern(p); err != nil {
			errs = append(errs, fmt.Sprintf("Network.Interfaces.Cellular[%d]: %v", i, err))
		}
	}
	return errs
}

// validateRules checks link and schedule rules.
func (c *Config) validateRules(errs []string) []string {
	for i, r := range c.Links {
		if err := pathutil.ValidPattern(r.Task); err != nil {
			errs = append(errs, fmt.Sprintf("Links[%d]: %v", i, err))
		}
		if r.Transport != netmon.Wifi && r.Transport != netmon.Cellular {
			errs = append(errs, fmt.Sprintf("Links[%d]: invalid transport", i))
		}
	}
	for i, r := range c.Schedules {
		if _, err := parseSchedule(r.Spec); err != nil {
			errs = append(errs, fmt.Sprintf("Schedules[%d]: %v", i, err))
		}
		switch r.Action {
		case ScheduleStart, ScheduleStop:
		case ScheduleStopAll:
			if r.Task != "" {
				errs = append(errs, fmt.Sprintf("Schedules[%d]: stop_all takes no task", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("Schedules[%d]: unknown action %q", i, r.Action))
		}
		if r.Task != "" {
			if _, err := ParseTask(r.Task); err != nil {
				errs = append(errs, fmt.Sprintf("Schedules[%d]: %v", i, err))
			}
		}
	}
	return errs
}

// binary returns the configured executable of kind.
func (c *Config) binary(kind TaskKind) string {
	if kind == KindServer {
		return c.ServerBinary
	}
	return c.ClientBinary
}

// ListenAddr returns the configured listener address of t.
func (c *Config) ListenAddr(t netmon.Transport) string {
	if t == netmon.Wifi {
		return c.Proxy.WifiAddr
	}
	return c.Proxy.CellularAddr
}

// Grace returns the grace windows of the network section.
func (c *Config) Grace() netmon.Grace {
	return netmon.Grace{Validated: c.Network.ValidatedGrace, Data: c.Network.DataGrace}
}

// MonitorConfig returns the netmon configuration for src.
func (c *Config) MonitorConfig(src netmon.Source, logger *slog.Logger) netmon.Config {
	return netmon.Config{
		Source:           src,
		Grace:            c.Grace(),
		LostRefreshDelay: c.Network.LostRefreshDelay,
		WaitAttempts:     c.Network.WaitAttempts,
		WaitInterval:     c.Network.WaitInterval,
		Logger:           logger,
	}
}

// SystemSource returns the operating system network source described by the
// network section.
func (c *Config) SystemSource(logger *slog.Logger) *netmon.SystemSource {
	var prober netmon.Prober
	if c.Network.ProbeTarget != "" {
		prober = netmon.NewTCPProber(c.Network.ProbeTarget, c.Network.ProbeTimeout, c.Network.ProbeTTL)
	}
	src := netmon.NewSystemSource(c.Network.Interfaces, prober, logger)
	src.PollInterval = c.Network.PollInterval
	src.Debounce = c.Network.Debounce
	return src
}

// ProxyConfig returns the listener set configuration using nets.
func (c *Config) ProxyConfig(nets proxy.Networks, logger *slog.Logger) *proxy.Config {
	return &proxy.Config{
		Addrs: map[netmon.Transport]string{
			netmon.Wifi:     c.Proxy.WifiAddr,
			netmon.Cellular: c.Proxy.CellularAddr,
		},
		Networks:         nets,
		BindAttempts:     c.Proxy.BindAttempts,
		BindInterval:     c.Proxy.BindInterval,
		HandshakeTimeout: c.Proxy.HandshakeTimeout,
		Logger:           logger,
	}
}

// deepCopyConfig returns a copy of cfg with all slice fields deep-copied
// to prevent aliasing. Logger is shared by reference intentionally.
func deepCopyConfig(cfg *Config) Config {
	cfgCopy := *cfg
	cfgCopy.Links = append([]LinkRule{}, cfg.Links...)
	cfgCopy.Schedules = append([]ScheduleRule{}, cfg.Schedules...)
	cfgCopy.Network.Interfaces = netmon.Classifier{
		Wifi:       append([]string{}, cfg.Network.Interfaces.Wifi...),
		Cellular:   append([]string{}, cfg.Network.Interfaces.Cellular...),
		Restricted: append([]string{}, cfg.Network.Interfaces.Restricted...),
	}
	return cfgCopy
}
