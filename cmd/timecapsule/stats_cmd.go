package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats [queue]",
		Short: "Print queue counters of a running broker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			var queue string
			if len(args) == 1 {
				queue = args[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			lines, err := fetchStats(ctx, addr, queue)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:1777", "broker address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "give up after this long")
	return cmd
}

// fetchStats sends STATS to the broker at addr and returns the reply lines
func fetchStats(ctx context.Context, addr, queue string) ([]string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if strings.TrimSpace(greeting) != "OK" {
		return nil, fmt.Errorf("unexpected greeting %q", strings.TrimSpace(greeting))
	}

	command := "STATS"
	if queue != "" {
		command += " " + queue
	}
	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	text := strings.TrimRight(string(body), "\n")
	if strings.HasPrefix(text, "FAIL ") {
		return nil, fmt.Errorf("broker refused: %s", strings.TrimPrefix(text, "FAIL "))
	}
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}
