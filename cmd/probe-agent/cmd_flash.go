package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/probestation/probe-agent/internal/flash"
	"github.com/probestation/probe-agent/internal/logging"
	"github.com/probestation/probe-agent/internal/ui"
)

func newFlashCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Inspect or initialise the local flash store",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Flash store directory (overrides flash_dir)")

	var (
		force  bool
		layout string
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a fresh partition table",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := flashDir(dir)
			if err != nil {
				return err
			}
			return handleFlashInit(ui.NewPrinter(flagOutput, flagNoColor), target, layout, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing table and discard its images")
	initCmd.Flags().StringVar(&layout, "layout", "", "YAML file with a partitions: list (default two 1.25MiB app slots + spiffs)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show partitions, boot slot and committed images",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := flashDir(dir)
			if err != nil {
				return err
			}
			return handleFlashShow(ui.NewPrinter(flagOutput, flagNoColor), os.Stdout, target)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func flashDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := loadCfg()
	if err != nil {
		return "", err
	}
	return cfg.FlashDir, nil
}

func readLayout(path string) ([]flash.Partition, error) {
	if path == "" {
		return flash.DefaultLayout(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Partitions []flash.Partition `yaml:"partitions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Partitions, nil
}

func handleFlashInit(p ui.Printer, dir, layoutPath string, force bool) error {
	layout, err := readLayout(layoutPath)
	if err != nil {
		return err
	}
	if err := flash.Init(dir, layout, force); err != nil {
		return err
	}
	if p.Structured() {
		return p.Emit(map[string]any{"dir": dir, "partitions": layout}, nil)
	}
	p.Success(fmt.Sprintf("Flash store initialised at %s (%d partitions)", dir, len(layout)))
	return nil
}

type flashView struct {
	Dir        string                       `json:"dir" yaml:"dir"`
	Boot       string                       `json:"boot" yaml:"boot"`
	Partitions []flash.Partition            `json:"partitions" yaml:"partitions"`
	Images     map[string]flash.ImageRecord `json:"images" yaml:"images"`
}

func handleFlashShow(p ui.Printer, out io.Writer, dir string) error {
	store, err := flash.Open(dir, logging.Named("flash"))
	if err != nil {
		return err
	}
	v := flashView{Dir: store.Dir(), Boot: store.Boot(), Partitions: store.Partitions(), Images: store.Images()}
	return p.Emit(v, func() {
		c := p.Colors
		p.KeyValue("Directory", v.Dir)
		p.KeyValue("Boot", v.Boot)
		fmt.Fprintln(out)

		rows := make([][]string, 0, len(v.Partitions))
		for _, part := range v.Partitions {
			label := part.Label
			if part.Label == v.Boot {
				label = c.Success(label + " *")
			}
			image := c.Dim("empty")
			if rec, ok := v.Images[part.Label]; ok {
				image = fmt.Sprintf("%s  %s", ui.FormatBytes(rec.Size), rec.Digest)
			}
			rows = append(rows, []string{label, string(part.Kind), part.Subtype, ui.FormatBytes(part.Size), image})
		}
		fmt.Fprint(out, ui.Table(c, []string{"LABEL", "TYPE", "SUBTYPE", "SIZE", "IMAGE"}, rows))
	})
}
