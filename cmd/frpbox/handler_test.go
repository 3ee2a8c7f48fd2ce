package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhangyunhao116/frpbox"
	"github.com/zhangyunhao116/frpbox/internal/control"
	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy"
)

type noNetworks struct{}

func (noNetworks) Acquire(context.Context, netmon.Transport) (*netmon.Network, error) {
	return nil, errors.New("no network")
}
func (noNetworks) Refresh(context.Context) error { return nil }
func (noNetworks) Grace() netmon.Grace           { return netmon.Grace{} }

// serve starts a control server backed by a fresh supervisor and returns
// its socket path.
func serve(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	cfg := frpbox.DefaultConfig()
	cfg.ConfigDir = filepath.Join(base, "conf")
	cfg.LogDir = filepath.Join(base, "logs")
	cfg.ClientBinary = filepath.Join(base, "missing-frpc")
	cfg.ServerBinary = filepath.Join(base, "missing-frps")
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	proxies, err := proxy.NewSet(&proxy.Config{Networks: noNetworks{}})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	sup, err := frpbox.New(cfg, frpbox.WithProxies(proxies))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir, err := os.MkdirTemp("", "frpbox")
	if err != nil {
		t.Fatal(err)
	}
	srv, err := control.Listen(filepath.Join(dir, "c.sock"), &controlHandler{sup: sup, proxies: proxies}, cfg.Logger)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve() //nolint:errcheck // stopped by cleanup
	t.Cleanup(func() {
		_ = srv.Close()
		_ = sup.Close(context.Background())
		_ = proxies.Close()
		_ = os.RemoveAll(dir)
	})
	return srv.Path()
}

func callTest(t *testing.T, path string, req control.Request, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return control.Call(ctx, path, req, out)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_Ping(t *testing.T) {
	path := serve(t)
	var got string
	if err := callTest(t, path, control.Request{Op: control.OpPing}, &got); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if got != "pong" {
		t.Errorf("ping = %q", got)
	}
}

func TestHandler_Status(t *testing.T) {
	path := serve(t)
	var st statusReply
	if err := callTest(t, path, control.Request{Op: control.OpStatus}, &st); err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Running) != 0 || len(st.Pending) != 0 || len(st.Desired) != 0 {
		t.Errorf("unexpected tasks: %+v", st)
	}
	if len(st.Proxies) != len(netmon.Transports) {
		t.Fatalf("proxies = %d, want %d", len(st.Proxies), len(netmon.Transports))
	}
	for _, p := range st.Proxies {
		if p.State != proxy.Disabled.String() || p.Active {
			t.Errorf("%s: state %s active %v", p.Transport, p.State, p.Active)
		}
		if p.Addr != proxy.DefaultAddr(p.Transport) {
			t.Errorf("%s: addr %s", p.Transport, p.Addr)
		}
	}
}

func TestHandler_Errors(t *testing.T) {
	path := serve(t)
	tests := []struct {
		name string
		req  control.Request
		want string
	}{
		{"unknown op", control.Request{Op: "reboot"}, "unknown operation"},
		{"bad task", control.Request{Op: control.OpStart, Task: "frpx/a.toml"}, "unknown task"},
		{"missing config", control.Request{Op: control.OpStart, Task: "frpc/absent.toml"}, "config file not found"},
		{"bad kind", control.Request{Op: control.OpVersion, Kind: "frpx"}, "frpx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := callTest(t, path, tt.req, nil)
			var re *control.RemoteError
			if !errors.As(err, &re) {
				t.Fatalf("error = %v, want RemoteError", err)
			}
			if !strings.Contains(re.Msg, tt.want) {
				t.Errorf("message %q does not contain %q", re.Msg, tt.want)
			}
		})
	}
}

func TestHandler_LogsAndVersion(t *testing.T) {
	path := serve(t)
	var text string
	if err := callTest(t, path, control.Request{Op: control.OpLogs, Task: "frpc/home.toml"}, &text); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if text != "" {
		t.Errorf("logs = %q, want empty", text)
	}
	if err := callTest(t, path, control.Request{Op: control.OpClearLogs, Task: "frpc/home.toml"}, nil); err != nil {
		t.Fatalf("clear_logs: %v", err)
	}
	var v string
	if err := callTest(t, path, control.Request{Op: control.OpVersion, Kind: "frps"}, &v); err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != frpbox.VersionError {
		t.Errorf("version of a missing binary = %q, want %q", v, frpbox.VersionError)
	}
}

func TestHandler_StopAllAndIntent(t *testing.T) {
	path := serve(t)
	if err := callTest(t, path, control.Request{Op: control.OpStopAll}, nil); err != nil {
		t.Fatalf("stop_all: %v", err)
	}
	var tasks []frpbox.Task
	err := callTest(t, path, control.Request{Op: control.OpIntent, Action: string(frpbox.IntentBoot)}, &tasks)
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("boot with default preferences started %v", tasks)
	}
}

// ---------------------------------------------------------------------------
// Arguments
// ---------------------------------------------------------------------------

func TestTaskArg(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"frpc/home.toml", "frpc/home.toml", false},
		{"frps/server.toml", "frps/server.toml", false},
		{"frpc", "", true},
		{"other/x.toml", "", true},
		{"frpc/../x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := taskArg(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("taskArg(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("taskArg(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
