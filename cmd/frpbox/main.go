// Command frpbox supervises frpc and frps workers and serves per-interface
// SOCKS5 proxies for them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/frpbox"
	"github.com/zhangyunhao116/frpbox/internal/control"
)

var (
	configPath  string
	socketPath  string
	callTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "frpbox [command]",
	Short: "frpbox: frp supervisor with per-interface SOCKS5 proxies",
	Long: `frpbox runs frpc and frps configurations as supervised workers, keeps their
recent output, and serves one loopback SOCKS5 proxy per network interface
(Wi-Fi and cellular) so that linked workers can pick their egress path.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket path (default from config)")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Timeout for control requests")
}

func defaultConfigPath() string {
	if p := os.Getenv("FRPBOX_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "frpbox.yaml"
	}
	return dir + "/frpbox/frpbox.yaml"
}

// loadConfig reads the config file named by --config.
func loadConfig() (*frpbox.Config, error) {
	cfg, err := frpbox.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.ControlSocket = socketPath
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = control.DefaultSocketPath()
	}
	return cfg, nil
}

// call sends one request to the running daemon.
func call(ctx context.Context, req control.Request, out any) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return control.Call(ctx, cfg.ControlSocket, req, out)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
