package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/config"
	"github.com/maxpert/timecapsule/keys"
	"github.com/maxpert/timecapsule/promoter"
	"github.com/maxpert/timecapsule/store"
)

func newPromoteCommand(configPath *string) *cobra.Command {
	var (
		redisAddr string
		namespace string
		queue     string
	)

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Run one promotion pass against the store and exit",
		Long: `Moves every item whose embargo date has passed from the delayed index to
its queue. Running brokers do this continuously; the command is useful when
no broker is running or to drain a backlog right away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			overrides := map[string]any{}
			if cmd.Flags().Changed("redis") {
				overrides["store.address"] = redisAddr
			}
			if cmd.Flags().Changed("namespace") {
				overrides["store.namespace"] = namespace
			}
			cfg, err := config.Load(*configPath, overrides)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := store.Dial(ctx, cfg.Store, zap.NewNop())
			if err != nil {
				return err
			}
			defer client.Close()

			p := promoter.New(client, keys.NewNamer(cfg.Store.Namespace), cfg.Promoter, cfg.Lock, zap.NewNop())

			var promoted int
			if queue != "" {
				promoted, err = p.PromoteQueue(ctx, queue)
			} else {
				promoted, err = p.RunOnce(ctx)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d item(s)\n", promoted)
			return err
		},
	}

	defaults := config.DefaultConfig()
	cmd.Flags().StringVar(&redisAddr, "redis", defaults.Store.Address, "Redis address")
	cmd.Flags().StringVar(&namespace, "namespace", defaults.Store.Namespace, "prefix of every Redis key")
	cmd.Flags().StringVar(&queue, "queue", "", "promote only this queue")
	return cmd
}
