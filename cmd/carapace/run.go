package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"carapaceproxy/carapace/pkg/cli"
	"carapaceproxy/carapace/pkg/config"
	proxyruntime "carapaceproxy/carapace/pkg/runtime"
	"carapaceproxy/carapace/pkg/server"
	"carapaceproxy/carapace/pkg/telemetry/logging"
)

var runFlags struct {
	logLevel string
	watch    bool
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the proxy with the specified configuration.

The configuration is re-read and applied without dropping connections on
SIGHUP, on POST /reload to the admin interface, and, with --watch, whenever
the file changes. A configuration that fails validation is rejected and the
running one is kept.

Examples:
  # Start with default config
  carapace run

  # Start with custom config and reload on file changes
  carapace run --config /etc/carapace/config.yaml --watch

  # Validate config without starting
  carapace run --dry-run`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "reload when the config file changes")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runProxy(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	cfg := config.GetConfig()

	logCfg := logging.FromConfig(cfg.Telemetry.Logging)
	if runFlags.logLevel != "" {
		logCfg.Level = runFlags.logLevel
	}
	if verbose {
		logCfg.Level = "debug"
	}
	if _, err := logging.Setup(logCfg); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	fmt.Fprintf(out, "Carapace v%s\n", Version)
	fmt.Fprintf(out, "Loading configuration from: %s\n", cfgFile)

	rt, err := proxyruntime.New(cfg, Version)
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := newReloader(rt, cfgFile)
	srv := server.New(rt, server.Options{
		Reload:  reload,
		Version: versionInfo(),
	})

	if err := rt.Start(ctx); err != nil {
		rt.Close(context.Background())
		return cli.NewCommandError("run", err)
	}
	if err := srv.Start(ctx); err != nil {
		rt.Close(context.Background())
		return cli.NewCommandError("run", err)
	}

	for _, lc := range cfg.Listeners {
		scheme := "http"
		if lc.TLS {
			scheme = "https"
		}
		fmt.Fprintf(out, "✓ Listener %s on %s://%s\n", lc.Name, scheme, srv.Addr(lc.Name))
	}
	if addr := srv.AdminAddr(); addr != nil {
		fmt.Fprintf(out, "✓ Admin interface on http://%s\n", addr)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if runFlags.watch {
		watcher, err := config.NewWatcher(cfgFile, config.DefaultDebounceInterval)
		if err != nil {
			slog.Warn("config file watching disabled", "error", err)
		} else {
			defer watcher.Stop()
			go func() {
				if err := watcher.Watch(ctx, func() error { return reload(ctx) }); err != nil {
					slog.Error("config watcher stopped", "error", err)
				}
			}()
		}
	}

	hup, stopHUP := cli.NotifyReload()
	defer stopHUP()
	sigChan := cli.WaitForShutdown()

	var runErr error
loop:
	for {
		select {
		case err := <-srv.Errors():
			runErr = cli.NewCommandError("run", err)
			break loop
		case <-hup:
			if err := reload(ctx); err != nil {
				slog.Error("configuration reload rejected", "error", err)
			}
		case sig := <-sigChan:
			fmt.Fprintf(out, "\nReceived signal %s, shutting down gracefully...\n", sig)
			break loop
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rt.Config().ShutdownTimeout)
	defer shutdownCancel()

	err = errors.Join(srv.Shutdown(shutdownCtx), rt.Close(shutdownCtx))
	if err != nil {
		slog.Error("shutdown failed", "error", err)
		if runErr == nil {
			runErr = cli.NewCommandError("run", err)
		}
		return runErr
	}
	if runErr == nil {
		fmt.Fprintln(out, "✓ Proxy stopped")
	}
	return runErr
}

// newReloader returns the function applied on SIGHUP, admin reload and file
// changes. It publishes the new snapshot only once the runtime accepted it.
func newReloader(rt *proxyruntime.Runtime, path string) func(context.Context) error {
	var mu sync.Mutex
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()

		cfg, err := config.ReloadConfig(path)
		if err != nil {
			return err
		}
		if err := rt.Apply(cfg); err != nil {
			config.SetConfig(rt.Config())
			return err
		}
		slog.InfoContext(ctx, "configuration reloaded",
			"path", path,
			"backends", len(cfg.Backends),
			"routes", len(cfg.Routes),
		)
		return nil
	}
}
