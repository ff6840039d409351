package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/probestation/probe-agent/internal/api"
	"github.com/probestation/probe-agent/internal/exitcodes"
	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/otaerr"
	"github.com/probestation/probe-agent/internal/ui"
)

const (
	pollInterval    = 500 * time.Millisecond
	checkWait       = time.Minute
	defaultWaitTime = 10 * time.Minute
)

func newCheckCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the agent for the latest release",
		Long: `Show the release the agent has cached. With --force the agent re-queries
GitHub even when its cache is fresh, and the command waits for the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			return handleCheck(cmd.Context(), d, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Re-query GitHub even if the cached release is fresh")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show update state and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			return handleStatus(cmd.Context(), d)
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show version, release, partition and memory information",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			return handleInfo(cmd.Context(), d)
		},
	}
}

func newUpdateCmd() *cobra.Command {
	var (
		target  string
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Start an over-the-air update",
		Long: `Ask the agent to install the cached release. The spiffs image is written
before the firmware image; the agent restarts once the firmware is committed.

With --wait the command follows progress until the agent is back up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ota.ParseTarget(target)
			if err != nil {
				return exitcodes.InvalidArgsErrorf("%v", err)
			}
			d, err := newDeps()
			if err != nil {
				return err
			}
			return handleUpdate(cmd.Context(), d, t, wait, timeout)
		},
	}
	cmd.Flags().StringVar(&target, "target", "both", "What to update: firmware|spiffs|both")
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow progress until the update finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultWaitTime, "Give up waiting after this long")
	return cmd
}

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Show update partition sizes and free memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			return handlePartitions(cmd.Context(), d)
		},
	}
}

// handleCheck prints the agent's release view, forcing a fresh query first
// when asked to.
func handleCheck(ctx context.Context, d *Deps, force bool) error {
	info, err := d.Node.Info(ctx, force)
	if err != nil {
		return err
	}
	if info.Error == "OTA disabled" {
		return otaerr.New(otaerr.Precondition, "check", info.Error)
	}
	if force {
		if info, err = waitForCheck(ctx, d, info); err != nil {
			return err
		}
	}

	if err := d.Printer.Emit(info, func() { printRelease(d.Printer, info) }); err != nil {
		return err
	}
	if info.State != nil && *info.State == ota.StateError && info.Error != "" {
		return silentErr{otaerr.New(otaerr.Network, "check", info.Error)}
	}
	return nil
}

// waitForCheck polls until the agent leaves the checking state and returns
// the refreshed info.
func waitForCheck(ctx context.Context, d *Deps, info api.InfoResponse) (api.InfoResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, checkWait)
	defer cancel()
	for info.State != nil && *info.State == ota.StateChecking {
		if err := d.Sleep(ctx, pollInterval); err != nil {
			return info, otaerr.Wrap(otaerr.Network, "check", "timed out waiting for release check", err)
		}
		next, err := d.Node.Info(ctx, false)
		if err != nil {
			return info, err
		}
		info = next
	}
	return info, nil
}

func printRelease(p ui.Printer, info api.InfoResponse) {
	c := p.Colors
	p.KeyValue("Current", info.Current)
	if info.Latest == nil || info.Latest.Tag == "" {
		p.KeyValue("Latest", c.Dim("not checked"))
	} else {
		p.KeyValue("Latest", info.Latest.Tag)
		if info.Latest.FetchedAt != nil {
			p.KeyValue("Fetched", ui.FormatAge(*info.Latest.FetchedAt, time.Now()))
		}
	}
	switch {
	case info.UpdateAvailable:
		p.Success(fmt.Sprintf("Update available: %s → %s", info.Current, info.Latest.Tag))
	case info.Error != "":
		p.Error(info.Error)
	case info.Latest != nil && info.Latest.Tag != "":
		p.Info("Already up to date")
	}
}

func handleStatus(ctx context.Context, d *Deps) error {
	st, err := d.Node.Status(ctx)
	if err != nil {
		return err
	}
	return d.Printer.Emit(st, func() { printStatus(d.Printer, st) })
}

func printStatus(p ui.Printer, st ota.Progress) {
	c := p.Colors
	p.KeyValue("State", c.State(st.State.String()))
	if st.State.Updating() {
		p.KeyValue("Target", st.Target.String())
		p.KeyValue("Progress", fmt.Sprintf("%s %d%%", c.Bar(st.Percent, 20), st.Percent))
	}
	if st.Message != "" {
		p.KeyValue("Message", st.Message)
	}
	if st.Error != "" {
		p.KeyValue("Error", c.Error(st.Error))
	}
}

func handleInfo(ctx context.Context, d *Deps) error {
	info, err := d.Node.Info(ctx, false)
	if err != nil {
		return err
	}
	return d.Printer.Emit(info, func() {
		p, c := d.Printer, d.Printer.Colors
		p.Section("Agent")
		p.KeyValue("Version", info.Current)
		p.KeyValue("Repository", info.GitHub.Owner+"/"+info.GitHub.Repo)
		if info.State != nil {
			p.KeyValue("State", c.State(info.State.String()))
		}
		if info.StatusMessage != "" {
			p.KeyValue("Message", info.StatusMessage)
		}
		p.KeyValue("Config kept", fmt.Sprint(info.ConfigPreserved))

		p.Section("Release")
		if info.Latest == nil || info.Latest.Tag == "" {
			p.KeyValue("Latest", c.Dim("not checked"))
		} else {
			p.KeyValue("Tag", info.Latest.Tag)
			if info.Latest.Name != "" {
				p.KeyValue("Name", info.Latest.Name)
			}
			p.KeyValue("Firmware asset", yesNo(info.Latest.Assets.Firmware))
			p.KeyValue("Spiffs asset", yesNo(info.Latest.Assets.Spiffs))
			if notes := firstLine(info.Latest.Notes); notes != "" {
				p.KeyValue("Notes", notes)
			}
		}
		p.KeyValue("Available", yesNo(info.UpdateAvailable))
		if info.Error != "" {
			p.KeyValue("Error", c.Error(info.Error))
		}

		p.Section("Partitions")
		p.KeyValue("Firmware", ui.FormatBytes(info.Partition.Firmware))
		p.KeyValue("Spiffs", ui.FormatBytes(info.Partition.Spiffs))
		p.KeyValue("Free memory", ui.FormatBytes(int64(info.Memory.FreeHeap)))
		p.KeyValue("Min free", ui.FormatBytes(int64(info.Memory.MinFreeHeap)))
	})
}

func handlePartitions(ctx context.Context, d *Deps) error {
	pi, err := d.Node.Partitions(ctx)
	if err != nil {
		return err
	}
	return d.Printer.Emit(pi, func() {
		rows := [][]string{
			{"firmware (next slot)", ui.FormatBytes(pi.FirmwarePartitionSize), ui.FormatNumber(pi.FirmwarePartitionSize)},
			{"spiffs", ui.FormatBytes(pi.SecondaryPartitionSize), ui.FormatNumber(pi.SecondaryPartitionSize)},
			{"running image", ui.FormatBytes(pi.CurrentImageSize), ui.FormatNumber(pi.CurrentImageSize)},
			{"free memory", ui.FormatBytes(int64(pi.FreeHeap)), ui.FormatNumber(int64(pi.FreeHeap))},
			{"min free memory", ui.FormatBytes(int64(pi.MinFreeHeap)), ui.FormatNumber(int64(pi.MinFreeHeap))},
		}
		fmt.Fprint(d.Output, ui.Table(d.Printer.Colors, []string{"ITEM", "SIZE", "BYTES"}, rows))
	})
}

// handleUpdate starts an update and, with wait, follows it through the
// restart.
func handleUpdate(ctx context.Context, d *Deps, target ota.Target, wait bool, timeout time.Duration) error {
	if err := d.Node.StartUpdate(ctx, target); err != nil {
		return err
	}
	if !d.Printer.Structured() {
		d.Printer.Success(fmt.Sprintf("OTA update started (target %s)", target))
	}
	if !wait {
		if d.Printer.Structured() {
			return d.Printer.Emit(api.Result{Success: true, Message: "OTA update started"}, nil)
		}
		return nil
	}

	if timeout <= 0 {
		timeout = defaultWaitTime
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	final, err := followUpdate(ctx, d)
	if d.Printer.Structured() {
		if emitErr := d.Printer.Emit(final, nil); emitErr != nil {
			return emitErr
		}
	}
	return err
}

// followUpdate polls status until the run fails or the agent restarts. The
// agent is unreachable while it restarts; connection errors are expected
// then.
func followUpdate(ctx context.Context, d *Deps) (ota.Progress, error) {
	var bar *ui.ProgressBar
	if !d.Printer.Structured() {
		bar = ui.NewProgressBar(d.Output, d.Printer.Colors)
		defer bar.Finish()
	}
	var (
		last      ota.Progress
		rebooting bool
		version   string
	)
	if h, err := d.Node.Health(ctx); err == nil {
		version = h.Version
	}

	for {
		if rebooting {
			h, err := d.Node.Health(ctx)
			if err == nil && h.State != ota.StateRebooting.String() {
				last = ota.Progress{State: ota.StateIdle, Message: "Agent back online (" + h.Version + ")"}
				if bar != nil {
					bar.Finish()
					if h.Version != version {
						d.Printer.Success(fmt.Sprintf("Update complete: %s → %s", version, h.Version))
					} else {
						d.Printer.Success("Agent restarted (version " + h.Version + ")")
					}
				}
				return last, nil
			}
		} else {
			st, err := d.Node.Status(ctx)
			switch {
			case err == nil:
				last = st
				if bar != nil && st.State.Updating() {
					bar.Update(st.State.String(), st.Percent, st.Message)
				}
				switch st.State {
				case ota.StateError:
					return st, fmt.Errorf("update failed: %s", st.Error)
				case ota.StateRebooting, ota.StateIdle, ota.StateReady, ota.StateChecking:
					// every successful run ends in a restart; a fresh
					// process reports idle
					rebooting = true
				}
			case otaerr.IsKind(err, otaerr.Network):
				// agent went away mid-run: the restart beat us to it
				rebooting = true
			default:
				return last, err
			}
		}
		if err := d.Sleep(ctx, pollInterval); err != nil {
			return last, otaerr.Wrap(otaerr.Network, "update", "timed out waiting for update", err)
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
