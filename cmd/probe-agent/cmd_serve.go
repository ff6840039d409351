package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/logging"
)

func newServeCmd() *cobra.Command {
	var (
		listen    string
		flashDir  string
		noDisplay bool
		noMDNS    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent",
		Long: `Run the on-device agent: the REST API and realtime socket, the periodic
release check, the status display and mDNS advertisement.

The agent exits when an update commits a new image; its supervisor (systemd
unit, restart command or process manager) is expected to start it again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if flashDir != "" {
				cfg.FlashDir = flashDir
			}
			if noDisplay {
				cfg.Display.Enabled = false
			}
			if noMDNS {
				cfg.MDNS.Enabled = false
			}

			if err := logging.Initialize(logging.Options{
				Level:   cfg.LogLevel,
				File:    cfg.LogFile,
				Console: !cfg.Display.Enabled || cfg.Display.Output != "stdout",
			}); err != nil {
				return err
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logging.Info("starting probe-agent",
				zap.String("version", Version),
				zap.String("config", cfg.Path()),
				zap.String("flash_dir", cfg.FlashDir),
			)
			if !cfg.UpdatesEnabled {
				logging.Warn("updates are disabled; check and update requests will be refused")
			}
			a, err := buildAgent(ctx, cfg, Version, logging.Named("agent"))
			if err != nil {
				logging.Error("agent setup failed", zap.Error(err))
				return err
			}
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides listen)")
	cmd.Flags().StringVar(&flashDir, "flash-dir", "", "Flash store directory (overrides flash_dir)")
	cmd.Flags().BoolVar(&noDisplay, "no-display", false, "Disable the status display")
	cmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "Disable mDNS advertisement")
	return cmd
}
