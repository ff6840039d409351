package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders a monospaced table. Cells are measured by their visible
// width so styled cells line up.
func Table(c *ColorConfig, headers []string, rows [][]string) string {
	w := make([]int, len(headers))
	for i, h := range headers {
		w[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i := 0; i < len(r) && i < len(w); i++ {
			if l := lipgloss.Width(r[i]); l > w[i] {
				w[i] = l
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(pad(c.Label(h), w[i]))
	}
	b.WriteString("\n")
	total := 0
	for _, n := range w {
		total += n
	}
	b.WriteString(c.Separator(total + 2*(len(w)-1)))
	b.WriteString("\n")
	for _, r := range rows {
		for i := range w {
			if i > 0 {
				b.WriteString("  ")
			}
			cell := ""
			if i < len(r) {
				cell = r[i]
			}
			b.WriteString(pad(cell, w[i]))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func pad(s string, width int) string {
	if v := lipgloss.Width(s); v < width {
		return s + strings.Repeat(" ", width-v)
	}
	return s
}
