package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/frpbox"
	"github.com/zhangyunhao116/frpbox/internal/control"
	"github.com/zhangyunhao116/frpbox/internal/logging"
	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy"
)

var (
	runExitWhenIdle bool
	runNoBoot       bool
)

func init() {
	rootCmd.AddCommand(cmdRun)
	cmdRun.Flags().BoolVar(&runExitWhenIdle, "exit-when-idle", false, "Exit once no worker runs and no linked task is desired")
	cmdRun.Flags().BoolVar(&runNoBoot, "no-boot", false, "Skip the boot intent (auto_start preference)")
}

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Starts the network monitor, both SOCKS5 listeners, the supervisor, the
configured schedules and the control socket, then handles the boot intent.
Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return err
		}
		defer closeLog() //nolint:errcheck // best-effort close
		cfg.Logger = logger
		return runDaemon(cmd.Context(), cfg, logger)
	},
}

func runDaemon(ctx context.Context, cfg *frpbox.Config, logger *slog.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon, err := netmon.New(cfg.MonitorConfig(cfg.SystemSource(logger), logger))
	if err != nil {
		return fmt.Errorf("network monitor: %w", err)
	}
	defer mon.Close() //nolint:errcheck // best-effort close

	proxies, err := proxy.NewSet(cfg.ProxyConfig(mon, logger))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, proxies.Close()) }()
	proxies.Register(mon)
	for _, t := range netmon.Transports {
		t := t
		l := proxies.Listener(t)
		l.OnStateChange(func(s proxy.State) {
			logger.Info("proxy state", "transport", t.String(), "addr", l.Addr(), "state", s.String())
		})
	}
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("network monitor: %w", err)
	}

	var prefs frpbox.Preferences = frpbox.MapPreferences{}
	if cfg.PreferencesFile != "" {
		prefs = frpbox.NewFilePreferences(cfg.PreferencesFile, logger)
	}
	host := frpbox.HostFunc(func() {
		if runExitWhenIdle {
			logger.Info("supervisor idle, exiting")
			cancel()
			return
		}
		logger.Info("supervisor idle")
	})
	sup, err := frpbox.New(cfg,
		frpbox.WithProxies(proxies),
		frpbox.WithPreferences(prefs),
		frpbox.WithHost(host),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		err = errors.Join(err, sup.Close(closeCtx))
	}()

	sched, err := frpbox.NewScheduler(sup, cfg.Schedules, logger)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv, err := control.Listen(cfg.ControlSocket, &controlHandler{sup: sup, proxies: proxies, mon: mon}, logger)
	if err != nil {
		return err
	}
	defer srv.Close() //nolint:errcheck // best-effort close
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("control socket stopped", "error", err)
			cancel()
		}
	}()
	logger.Info("frpbox running", "socket", srv.Path(),
		"wifi", cfg.Proxy.WifiAddr, "cellular", cfg.Proxy.CellularAddr)

	if !runNoBoot {
		go func() {
			tasks, err := sup.HandleIntent(ctx, frpbox.Intent{Action: frpbox.IntentBoot})
			if err != nil {
				logger.Warn("boot intent", "error", err)
			}
			if len(tasks) > 0 {
				logger.Info("boot intent handled", "tasks", len(tasks))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("frpbox shutting down")
	return nil
}
