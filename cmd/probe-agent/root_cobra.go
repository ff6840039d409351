package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/probestation/probe-agent/internal/config"
	"github.com/probestation/probe-agent/internal/exitcodes"
	"github.com/probestation/probe-agent/internal/logging"
	"github.com/probestation/probe-agent/internal/ui"
)

// Version information - set via -ldflags during build
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// rootCmd wires the CLI surface using Cobra. Persistent flags are applied
// to the loaded config in loadCfg(). `serve` runs the agent; the remaining
// commands talk to a running agent over its REST API or inspect local state.
var rootCmd = &cobra.Command{
	Use:           "probe-agent",
	Short:         "Probe station agent",
	Long:          "Run the probe station agent and manage its over-the-air firmware updates.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set NO_COLOR env so lipgloss and other libraries respect the flag
		if flagNoColor {
			os.Setenv("NO_COLOR", "1")
		}
		switch flagOutput {
		case "text", "json", "yaml":
		default:
			return exitcodes.InvalidArgsErrorf("invalid --output: %s (use json|yaml|text)", flagOutput)
		}
		// serve configures its own logger from the config file
		if cmd.Name() != "serve" {
			return logging.Initialize(logging.Options{Level: flagLogLevel, Console: true})
		}
		return nil
	},
}

var (
	flagConfig   string
	flagAgent    string
	flagOutput   string
	flagLogLevel string
	flagNoColor  bool
)

// silentErr has already been reported to the user; Execute only sets the
// exit code.
type silentErr struct{ error }

func (e silentErr) Unwrap() error { return e.error }

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default $PROBE_AGENT_HOME/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagAgent, "agent", "", "Agent base URL (overrides agent_url)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "Output format: json|yaml|text")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable ANSI colors")

	rootCmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newStatusCmd(),
		newInfoCmd(),
		newUpdateCmd(),
		newPartitionsCmd(),
		newFlashCmd(),
		newLogsCmd(),
		newWatchCmd(),
		newDiscoverCmd(),
		versionCmd,
	)
}

func Execute() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		var se silentErr
		if !errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, ui.NewColorConfig(flagNoColor).Error("Error:"), err)
		}
		os.Exit(exitcodes.CodeForError(err))
	}
}

// loadCfg reads defaults, the config file and env via config.Load and then
// applies overrides from persistent flags.
func loadCfg() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, exitcodes.WrapError(exitcodes.InvalidArgs, "invalid configuration", err)
	}
	if flagAgent != "" {
		cfg.AgentURL = flagAgent
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}
