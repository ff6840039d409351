package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Theme holds the styles used for terminal output.
type Theme struct {
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Info      lipgloss.Style
	Header    lipgloss.Style
	SubHeader lipgloss.Style
	Label     lipgloss.Style
	Dim       lipgloss.Style
	Progress  lipgloss.Style
	Complete  lipgloss.Style
}

// DefaultTheme returns the default color theme
func DefaultTheme() Theme {
	return Theme{
		Success:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warning:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Info:      lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		SubHeader: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		Label:     lipgloss.NewStyle().Bold(true),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Progress:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Complete:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	}
}

// ColorConfig manages color output settings
type ColorConfig struct {
	Enabled      bool
	EmojiEnabled bool
	Theme        Theme
}

// NewColorConfig enables colors unless noColor is set, NO_COLOR is set,
// TERM is dumb or stdout is not a terminal.
func NewColorConfig(noColor bool) *ColorConfig {
	t := os.Getenv("TERM")
	enabled := !noColor && os.Getenv("NO_COLOR") == "" && t != "dumb" && t != "" &&
		term.IsTerminal(int(os.Stdout.Fd()))
	return &ColorConfig{
		Enabled:      enabled,
		EmojiEnabled: enabled,
		Theme:        DefaultTheme(),
	}
}

// Plain returns a config that never styles output.
func Plain() *ColorConfig {
	return &ColorConfig{Theme: DefaultTheme()}
}

func (c *ColorConfig) apply(s lipgloss.Style, text string) string {
	if !c.Enabled {
		return text
	}
	return s.Render(text)
}

func (c *ColorConfig) Success(text string) string   { return c.apply(c.Theme.Success, text) }
func (c *ColorConfig) Warning(text string) string   { return c.apply(c.Theme.Warning, text) }
func (c *ColorConfig) Error(text string) string     { return c.apply(c.Theme.Error, text) }
func (c *ColorConfig) Info(text string) string      { return c.apply(c.Theme.Info, text) }
func (c *ColorConfig) Header(text string) string    { return c.apply(c.Theme.Header, text) }
func (c *ColorConfig) SubHeader(text string) string { return c.apply(c.Theme.SubHeader, text) }
func (c *ColorConfig) Label(text string) string     { return c.apply(c.Theme.Label, text) }
func (c *ColorConfig) Dim(text string) string       { return c.apply(c.Theme.Dim, text) }

// Separator returns a colored separator line
func (c *ColorConfig) Separator(width int) string {
	return c.Dim(strings.Repeat("─", width))
}

// State colors an orchestrator state name.
func (c *ColorConfig) State(state string) string {
	switch state {
	case "ready":
		return c.Success(state)
	case "checking", "updating_firmware", "updating_spiffs", "rebooting":
		return c.Warning(state)
	case "error":
		return c.Error(state)
	default:
		return c.Dim(state)
	}
}

// Bar draws a percent bar of the given width.
func (c *ColorConfig) Bar(percent, width int) string {
	if width < 10 {
		width = 10
	}
	if percent < 0 {
		percent = 0
	}
	filled := width * percent / 100
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	if percent >= 100 {
		return c.apply(c.Theme.Complete, bar)
	}
	return c.apply(c.Theme.Progress, bar)
}
