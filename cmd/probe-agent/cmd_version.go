package main

import (
	"github.com/spf13/cobra"

	"github.com/probestation/probe-agent/internal/ui"
)

type versionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinterTo(cmd.OutOrStdout(), flagOutput)
		v := versionInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}
		return p.Emit(v, func() {
			p.Textf("probe-agent %s (%s) built %s\n", Version, Commit, BuildDate)
		})
	},
}
