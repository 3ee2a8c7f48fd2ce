package proxy

import (
	"github.com/zhangyunhao116/frpbox/internal/envutil"
	"github.com/zhangyunhao116/frpbox/netmon"
)

// EnvConfig configures proxy environment variable generation.
type EnvConfig struct {
	// Transport is recorded in FRPBOX_TRANSPORT.
	Transport netmon.Transport

	// SOCKSAddr is the loopback host:port of the SOCKS5 listener.
	SOCKSAddr string

	// HTTPProxyVars also sets HTTP_PROXY/http_proxy to a socks5:// URL.
	// frpc falls back to http_proxy when transport.proxyURL is unset.
	HTTPProxyVars bool
}

// noProxyValue keeps loopback traffic off the proxy.
const noProxyValue = "localhost,127.0.0.1,::1"

// GenerateProxyEnv generates environment variables for proxy configuration.
// It returns a slice of "KEY=VALUE" strings suitable for use in exec.Cmd.Env.
func GenerateProxyEnv(cfg *EnvConfig) []string {
	if cfg == nil || cfg.SOCKSAddr == "" {
		return nil
	}

	env := []string{
		"FRPBOX_TRANSPORT=" + cfg.Transport.String(),
		"NO_PROXY=" + noProxyValue,
		"no_proxy=" + noProxyValue,
	}

	socksProxy := "socks5h://" + cfg.SOCKSAddr
	env = append(env,
		"ALL_PROXY="+socksProxy,
		"all_proxy="+socksProxy,
	)

	if cfg.HTTPProxyVars {
		frpProxy := "socks5://" + cfg.SOCKSAddr
		env = append(env,
			"HTTP_PROXY="+frpProxy,
			"http_proxy="+frpProxy,
		)
	}
	return env
}

// ApplyProxyEnv returns base with the variables of cfg set, replacing any
// existing values.
func ApplyProxyEnv(base []string, cfg *EnvConfig) []string {
	return envutil.MergeEnv(base, GenerateProxyEnv(cfg))
}
