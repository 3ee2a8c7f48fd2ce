package frpbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvConfigDir     = "FRPBOX_CONFIG_DIR"
	EnvLogDir        = "FRPBOX_LOG_DIR"
	EnvClientBinary  = "FRPBOX_FRPC_BIN"
	EnvServerBinary  = "FRPBOX_FRPS_BIN"
	EnvWifiAddr      = "FRPBOX_WIFI_ADDR"
	EnvCellularAddr  = "FRPBOX_CELLULAR_ADDR"
	EnvPreferences   = "FRPBOX_PREFERENCES"
	EnvControlSocket = "FRPBOX_SOCKET"
	EnvLogLevel      = "FRPBOX_LOG_LEVEL"
	EnvLogFormat     = "FRPBOX_LOG_FORMAT"
	EnvReconcile     = "FRPBOX_RECONCILE_INTERVAL"
	EnvProbeTarget   = "FRPBOX_PROBE_TARGET"
	EnvDetectLinks   = "FRPBOX_DETECT_LINKS"
)

// LoadConfig reads a YAML config file on top of DefaultConfig, applies
// FRPBOX_* environment overrides and validates the result. A missing file is
// not an error: defaults and overrides are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %w", ErrConfigInvalid, path, err)
			}
		}
	}

	ApplyEnvOverrides(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps FRPBOX_* variables, read through lookup, to config
// fields. Malformed values are ignored.
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvConfigDir, &cfg.ConfigDir)
	str(EnvLogDir, &cfg.LogDir)
	str(EnvClientBinary, &cfg.ClientBinary)
	str(EnvServerBinary, &cfg.ServerBinary)
	str(EnvWifiAddr, &cfg.Proxy.WifiAddr)
	str(EnvCellularAddr, &cfg.Proxy.CellularAddr)
	str(EnvPreferences, &cfg.PreferencesFile)
	str(EnvControlSocket, &cfg.ControlSocket)
	str(EnvLogLevel, &cfg.Logging.Level)
	str(EnvLogFormat, &cfg.Logging.Format)
	str(EnvProbeTarget, &cfg.Network.ProbeTarget)

	if v, ok := lookup(EnvReconcile); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Supervisor.ReconcileInterval = d
		}
	}
	if v, ok := lookup(EnvDetectLinks); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Supervisor.DetectLinks = b
		}
	}
}
