// Command timecapsule runs the delayed-delivery broker and talks to running
// brokers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "timecapsule",
		Short:         "timecapsule holds messages until their embargo date and then hands them to consumers",
		SilenceErrors: true,
		Example: `
  # Run a broker against a local Redis
  timecapsule serve

  # Run with a configuration file, overriding the port
  timecapsule serve --config /etc/timecapsule.yaml --port 1888

  # Environment overrides use a double underscore between section and key
  TIMECAPSULE_STORE__ADDRESS=redis:6379 timecapsule serve

  # Release everything that is due without a running broker
  timecapsule promote --redis 127.0.0.1:6379

  # Show queue counters of a running broker
  timecapsule stats --addr 127.0.0.1:1777
`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	cmd.AddCommand(
		newServeCommand(&configPath),
		newStatsCommand(),
		newPromoteCommand(&configPath),
		newConfigCommand(&configPath),
		newVersionCommand(),
	)
	return cmd
}
