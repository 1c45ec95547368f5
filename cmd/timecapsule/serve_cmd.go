package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/timecapsule/config"
	"github.com/maxpert/timecapsule/server"
)

const banner = `
  _   _                                          _
 | |_(_)_ __ ___   ___  ___ __ _ _ __  ___ _   _| | ___
 | __| | '_ ' _ \ / _ \/ __/ _' | '_ \/ __| | | | |/ _ \
 | |_| | | | | | |  __/ (_| (_| | |_) \__ \ |_| | |  __/
  \__|_|_| |_| |_|\___|\___\__,_| .__/|___/\__,_|_|\___|
                                |_|
Delayed delivery broker %s
`

// healthCheckInterval is how often serve looks for a failed background task
const healthCheckInterval = time.Second

// flagKeys maps serve flags onto configuration keys
var flagKeys = map[string]string{
	"host":                "network.host",
	"port":                "network.port",
	"reuse-port":          "network.reuse_port",
	"keepalive":           "network.keepalive_interval",
	"redis":               "store.address",
	"redis-password":      "store.password",
	"redis-db":            "store.db",
	"namespace":           "store.namespace",
	"wait-interval":       "promoter.wait_interval",
	"promote-concurrency": "promoter.concurrency",
	"pool-min":            "pool.min_idle",
	"log-level":           "log.level",
	"log-output":          "log.output",
	"log-format":          "log.format",
	"log-file":            "log.file",
	"metrics":             "metrics.enabled",
	"metrics-port":        "metrics.port",
	"shutdown-timeout":    "server.shutdown_timeout",
	"pid-file":            "server.pid_file",
}

func newServeCommand(configPath *string) *cobra.Command {
	defaults := config.DefaultConfig()
	var quiet bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			overrides := flagOverrides(cmd.Flags())
			cfg, err := config.Load(*configPath, overrides)
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), banner, server.Version)
			}
			return runServer(cmd.Context(), cfg, *configPath, overrides)
		},
	}

	flags := cmd.Flags()
	flags.String("host", defaults.Network.Host, "listen host, empty for all interfaces")
	flags.Int("port", defaults.Network.Port, "listen port")
	flags.Bool("reuse-port", defaults.Network.ReusePort, "let several brokers bind the same port (SO_REUSEPORT)")
	flags.Duration("keepalive", defaults.Network.KeepAliveInterval, "interval of zero-byte keep-alives to waiting consumers, 0 disables")
	flags.String("redis", defaults.Store.Address, "Redis address")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", defaults.Store.DB, "Redis database")
	flags.String("namespace", defaults.Store.Namespace, "prefix of every Redis key")
	flags.Duration("wait-interval", defaults.Promoter.WaitInterval, "pause between promotion passes")
	flags.Int("promote-concurrency", defaults.Promoter.Concurrency, "queues promoted in parallel")
	flags.Int("pool-min", defaults.Pool.MinIdle, "idle consumer connections kept open")
	flags.String("log-level", defaults.Log.Level, "debug, info, warn or error")
	flags.String("log-output", defaults.Log.Output, "console, syslog, combined or none")
	flags.String("log-format", defaults.Log.Format, "json or console")
	flags.String("log-file", "", "also write logs to this file")
	flags.Bool("metrics", defaults.Metrics.Enabled, "serve Prometheus metrics")
	flags.Int("metrics-port", defaults.Metrics.Port, "Prometheus metrics port")
	flags.Duration("shutdown-timeout", defaults.Server.ShutdownTimeout, "how long to wait for clients on shutdown")
	flags.String("pid-file", "", "write the process id to this file")
	flags.BoolVarP(&quiet, "quiet", "q", false, "do not print the banner")
	return cmd
}

// flagOverrides collects the flags the user set explicitly, keyed by
// configuration path, so they win over file and environment values
func flagOverrides(flags *pflag.FlagSet) map[string]any {
	overrides := make(map[string]any)
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	return overrides
}

// runServer starts the broker and blocks until ctx is cancelled or a
// background task fails, then shuts down gracefully.
func runServer(ctx context.Context, cfg *config.BrokerConfig, configPath string, overrides map[string]any) error {
	srv, err := server.NewServerBuilderWithConfig(cfg).Build()
	if err != nil {
		return err
	}
	log := srv.Log
	defer log.Sync()

	if cfg.Server.PidFile != "" {
		if err := writePIDFile(cfg.Server.PidFile); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer os.Remove(cfg.Server.PidFile)
	}

	if err := srv.Lifecycle.Start(ctx); err != nil {
		srv.Lifecycle.Stop(context.WithoutCancel(ctx))
		return err
	}

	if configPath != "" {
		watcher, err := config.Watch(configPath, overrides, func(updated *config.BrokerConfig, err error) {
			if err != nil {
				log.Warn("Ignoring configuration change", zap.Error(err))
				return
			}
			srv.ApplyConfig(updated)
		})
		if err != nil {
			log.Warn("Configuration reload disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchHealth(gctx, srv.Lifecycle)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down", zap.Int("connections", srv.ConnectionCount()))
		return srv.Lifecycle.Stop(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

// watchHealth returns the failure that put the broker into the error state
func watchHealth(ctx context.Context, lm *server.LifecycleManager) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if lm.GetState() == server.StateError {
				return fmt.Errorf("broker failed: %w", lm.GetLastError())
			}
		}
	}
}

func writePIDFile(pidFile string) error {
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
