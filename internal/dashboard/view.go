package dashboard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/probestation/probe-agent/internal/ui"
)

const barWidth = 30

// View renders the dashboard (Bubble Tea lifecycle)
func (m *Dashboard) View() string {
	// guard against zero-size render before first WindowSizeMsg
	if m.width <= 0 || m.height <= 1 {
		return ""
	}

	if m.loading {
		return m.loadingView()
	}

	if m.showHelp {
		return lipgloss.Place(
			m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("63")).
				Padding(1, 2).
				Render(m.help.FullHelpView(m.keys.FullHelp())),
		)
	}

	boxW := m.width/2 - 2
	if boxW < 36 {
		boxW = m.width - 2
	}
	release := m.box("Release", m.renderRelease(), boxW)
	partitions := m.box("Partitions", m.renderPartitions(), boxW)
	var middle string
	if boxW < m.width-2 {
		middle = lipgloss.JoinHorizontal(lipgloss.Top, release, partitions)
	} else {
		middle = lipgloss.JoinVertical(lipgloss.Left, release, partitions)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.box("Update", m.renderProgress(), m.width-2),
		middle,
		m.renderFooter(),
	)
}

func (m *Dashboard) loadingView() string {
	spinnerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("205")).
		Bold(true)
	messageStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)
	loadingBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(2, 4).
		MarginTop(1).
		Align(lipgloss.Center)

	content := lipgloss.JoinVertical(lipgloss.Center,
		spinnerStyle.Render(m.spinner.View()),
		messageStyle.Render("CONNECTING TO AGENT"),
		"",
		lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("Waiting for first status..."),
	)
	return lipgloss.Place(
		m.width, m.height,
		lipgloss.Center, lipgloss.Center,
		loadingBox.Render(content),
	)
}

func (m *Dashboard) box(title, body string, width int) string {
	if width < 20 {
		width = 20
	}
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1).
		Width(width - 2)
	return style.Render(m.colors.Header(title) + "\n" + body)
}

func (m *Dashboard) renderHeader() string {
	d := m.data
	name := d.Health.Device
	if name == "" {
		name = "probe-agent"
	}
	parts := []string{
		m.colors.Header(name),
		"agent " + orDash(d.Health.Version),
		"state " + m.colors.State(d.Progress.State.String()),
	}
	if m.opts.Version != "" {
		parts = append(parts, m.colors.Dim("cli "+m.opts.Version))
	}
	if m.live != nil {
		parts = append(parts, m.colors.Success("live"))
	}
	line := strings.Join(parts, "  │  ")

	switch {
	case m.stale && m.err != nil:
		line += "\n" + m.colors.Error("STALE: "+m.err.Error())
	case m.err != nil:
		line += "\n" + m.colors.Warning("last fetch failed: "+m.err.Error())
	}
	return line
}

func (m *Dashboard) renderProgress() string {
	p := m.data.Progress
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %3d%%\n", m.colors.State(p.State.String()), m.colors.Bar(p.Percent, barWidth), p.Percent)
	if p.Message != "" {
		b.WriteString(p.Message)
	} else {
		b.WriteString(m.colors.Dim("no update running"))
	}
	if p.Error != "" {
		b.WriteString("\n" + m.colors.Error(p.Error))
	}
	return b.String()
}

func (m *Dashboard) renderRelease() string {
	info := m.data.Info
	rows := [][2]string{
		{"Current", orDash(info.Current)},
	}
	if info.Latest != nil {
		rows = append(rows,
			[2]string{"Latest", orDash(info.Latest.Tag)},
			[2]string{"Assets", assetList(info.Latest.Assets.Firmware, info.Latest.Assets.Spiffs)},
		)
		if info.Latest.FetchedAt != nil {
			rows = append(rows, [2]string{"Fetched", ui.FormatAge(*info.Latest.FetchedAt, m.data.LastUpdate)})
		}
	} else {
		rows = append(rows, [2]string{"Latest", m.colors.Dim("not checked")})
	}
	avail := m.colors.Dim("no")
	if info.UpdateAvailable {
		avail = m.colors.Success("yes")
	}
	rows = append(rows, [2]string{"Available", avail})
	return m.kv(rows)
}

func (m *Dashboard) renderPartitions() string {
	p := m.data.Partitions
	return m.kv([][2]string{
		{"Firmware", ui.FormatBytes(p.FirmwarePartitionSize)},
		{"Spiffs", ui.FormatBytes(p.SecondaryPartitionSize)},
		{"Image", ui.FormatBytes(p.CurrentImageSize)},
		{"Free heap", ui.FormatBytes(int64(p.FreeHeap))},
		{"Min heap", ui.FormatBytes(int64(p.MinFreeHeap))},
	})
}

func (m *Dashboard) kv(rows [][2]string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s %s", m.colors.Label(fmt.Sprintf("%-10s", r[0])), r[1]))
	}
	return strings.Join(lines, "\n")
}

func (m *Dashboard) renderFooter() string {
	footer := m.help.ShortHelpView(m.keys.ShortHelp())
	if m.notice != "" {
		footer = m.colors.Info(m.notice) + "\n" + footer
	}
	return footer
}

func assetList(firmware, spiffs bool) string {
	var names []string
	if firmware {
		names = append(names, "firmware")
	}
	if spiffs {
		names = append(names, "spiffs")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
