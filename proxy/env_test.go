package proxy

import (
	"strings"
	"testing"

	"github.com/zhangyunhao116/frpbox/netmon"
)

func envSliceToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		k, v, _ := strings.Cut(e, "=")
		m[k] = v
	}
	return m
}

func TestGenerateProxyEnv(t *testing.T) {
	env := GenerateProxyEnv(&EnvConfig{
		Transport:     netmon.Cellular,
		SOCKSAddr:     "127.0.0.1:10002",
		HTTPProxyVars: true,
	})

	expected := map[string]string{
		"FRPBOX_TRANSPORT": "cellular",
		"NO_PROXY":         noProxyValue,
		"no_proxy":         noProxyValue,
		"ALL_PROXY":        "socks5h://127.0.0.1:10002",
		"all_proxy":        "socks5h://127.0.0.1:10002",
		"HTTP_PROXY":       "socks5://127.0.0.1:10002",
		"http_proxy":       "socks5://127.0.0.1:10002",
	}
	envMap := envSliceToMap(env)
	if len(envMap) != len(expected) {
		t.Fatalf("got %d vars, want %d: %v", len(envMap), len(expected), env)
	}
	for key, want := range expected {
		if got := envMap[key]; got != want {
			t.Errorf("env var %s = %q, want %q", key, got, want)
		}
	}
}

func TestGenerateProxyEnv_NoHTTPVars(t *testing.T) {
	envMap := envSliceToMap(GenerateProxyEnv(&EnvConfig{SOCKSAddr: "127.0.0.1:10001"}))
	if _, ok := envMap["HTTP_PROXY"]; ok {
		t.Error("HTTP_PROXY should not be set")
	}
	if envMap["ALL_PROXY"] != "socks5h://127.0.0.1:10001" {
		t.Errorf("ALL_PROXY = %q", envMap["ALL_PROXY"])
	}
}

func TestGenerateProxyEnv_Empty(t *testing.T) {
	if env := GenerateProxyEnv(nil); env != nil {
		t.Errorf("nil config: %v", env)
	}
	if env := GenerateProxyEnv(&EnvConfig{}); env != nil {
		t.Errorf("empty address: %v", env)
	}
}

func TestApplyProxyEnv_Overrides(t *testing.T) {
	base := []string{"PATH=/bin", "ALL_PROXY=http://old:1"}
	env := envSliceToMap(ApplyProxyEnv(base, &EnvConfig{SOCKSAddr: "127.0.0.1:10001"}))
	if env["PATH"] != "/bin" {
		t.Errorf("PATH lost: %v", env)
	}
	if env["ALL_PROXY"] != "socks5h://127.0.0.1:10001" {
		t.Errorf("ALL_PROXY = %q", env["ALL_PROXY"])
	}
}
