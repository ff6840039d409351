// Package display renders a status panel for a locally attached console.
// It is an update-mode collaborator: while an update runs it drops the panel
// and draws a single progress line.
package display

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/ota"
)

// Source is what the panel shows.
type Source interface {
	CurrentVersion() string
	Progress() ota.Progress
	ReleaseInfo() ota.ReleaseView
	IsUpdateAvailable() bool
}

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(9)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Display redraws the panel on an interval.
type Display struct {
	out      io.Writer
	source   Source
	device   string
	interval time.Duration
	log      *zap.Logger

	// Settle is how long the update waits after this display changes mode.
	Settle time.Duration

	otaMode atomic.Bool
	mu      sync.Mutex
	last    string
}

// New returns a Display writing to out.
func New(out io.Writer, source Source, device string, interval time.Duration, log *zap.Logger) *Display {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Display{out: out, source: source, device: device, interval: interval, log: log}
}

// SetOTAMode switches between the full panel and the progress line.
func (d *Display) SetOTAMode(enabled bool) {
	if d.otaMode.Swap(enabled) == enabled {
		return
	}
	d.mu.Lock()
	d.last = ""
	d.mu.Unlock()
	d.log.Debug("display mode changed", zap.Bool("ota", enabled))
}

// SettleDelay reports Settle to the update manager.
func (d *Display) SettleDelay() time.Duration { return d.Settle }

// Run redraws until ctx ends.
func (d *Display) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	d.Draw()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Draw()
		}
	}
}

// Draw writes the current frame if it differs from the previous one.
func (d *Display) Draw() {
	var frame string
	if d.otaMode.Load() {
		frame = RenderProgressLine(d.source.Progress()) + "\n"
	} else {
		frame = RenderPanel(d.device, d.source) + "\n"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if frame == d.last {
		return
	}
	d.last = frame
	if _, err := io.WriteString(d.out, frame); err != nil {
		d.log.Debug("display write failed", zap.Error(err))
	}
}

// RenderPanel draws the boxed status panel.
func RenderPanel(device string, s Source) string {
	p := s.Progress()
	rel := s.ReleaseInfo()

	latest := rel.Tag
	if latest == "" {
		latest = "unknown"
	}
	if s.IsUpdateAvailable() {
		latest = warnStyle.Render(latest + " available")
	}
	state := p.State.String()
	if p.State == ota.StateError {
		state = errStyle.Render(state)
	}

	rows := []string{
		titleStyle.Render(device),
		row("version", s.CurrentVersion()),
		row("latest", latest),
		row("state", state),
	}
	if p.Message != "" {
		rows = append(rows, row("status", p.Message))
	}
	if p.Error != "" {
		rows = append(rows, row("error", errStyle.Render(p.Error)))
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

// RenderProgressLine draws the single line shown during an update.
func RenderProgressLine(p ota.Progress) string {
	const width = 20
	filled := width * p.Percent / 100
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	return fmt.Sprintf("OTA %-17s [%s] %3d%% %s", p.State, bar, p.Percent, p.Message)
}
