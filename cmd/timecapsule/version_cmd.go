package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/maxpert/timecapsule/server"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the timecapsule version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", server.ServerName, server.Version, runtime.Version())
			return err
		},
	}
}
