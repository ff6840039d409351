package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/probestation/probe-agent/internal/dashboard"
)

func newWatchCmd() *cobra.Command {
	var (
		refresh time.Duration
		timeout time.Duration
		noLive  bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Interactive view of update state",
		Long: `Launch a terminal view of the agent: running version, cached release,
update progress, partition sizes and free memory. Press 'c' to check for
updates, 'u' to install, 'h' for help.

Outside a terminal, watch falls back to printing status once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return handleStatus(cmd.Context(), d)
			}
			m := dashboard.New(dashboard.Options{
				Client:          d.Node,
				RefreshInterval: refresh,
				RPCTimeout:      timeout,
				NoColor:         flagNoColor,
				Live:            !noLive,
				Version:         Version,
			})
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", time.Second, "Polling interval")
	cmd.Flags().DurationVar(&timeout, "rpc-timeout", 0, "Per-request timeout (default min(5s, 2×refresh))")
	cmd.Flags().BoolVar(&noLive, "no-live", false, "Poll only; do not subscribe to pushed updates")
	return cmd
}
