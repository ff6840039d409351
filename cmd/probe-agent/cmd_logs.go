package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/probestation/probe-agent/internal/ui"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the agent log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return handleLogs(ctx, cfg.LogFile, lines, follow, os.Stdout)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new lines")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show first")
	return cmd
}

// handleLogs prints the tail of path and, with follow, streams appended
// lines until ctx ends.
func handleLogs(ctx context.Context, path string, lines int, follow bool, out io.Writer) error {
	if path == "" {
		return fmt.Errorf("no log file configured (set log_file)")
	}
	if _, err := os.Stat(path); err != nil {
		if !follow {
			return fmt.Errorf("log file not found: %s", path)
		}
	} else if err := ui.LastLines(path, lines, out); err != nil {
		return err
	}
	if !follow {
		return nil
	}
	return ui.FollowLog(ctx, path, out)
}
