package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/probestation/probe-agent/internal/discovery"
	"github.com/probestation/probe-agent/internal/ui"
)

// scanAgents is replaced in tests.
var scanAgents = discovery.Scan

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find agents on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleDiscover(cmd.Context(), ui.NewPrinter(flagOutput, flagNoColor), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "How long to browse")
	return cmd
}

func handleDiscover(ctx context.Context, p ui.Printer, timeout time.Duration) error {
	agents, err := scanAgents(ctx, timeout)
	if err != nil {
		return err
	}
	return p.Emit(agents, func() {
		if len(agents) == 0 {
			p.Warn("No agents found")
			return
		}
		rows := make([][]string, 0, len(agents))
		for _, a := range agents {
			rows = append(rows, []string{a.Instance, a.Hostname, a.URL(), a.Version})
		}
		p.Textf("%s", ui.Table(p.Colors, []string{"INSTANCE", "HOST", "URL", "VERSION"}, rows))
		p.Info(fmt.Sprintf("%d agent(s) found; use --agent <URL> to target one", len(agents)))
	})
}
