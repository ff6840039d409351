package ui

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ProgressBar renders update progress as reported by the agent. On a
// terminal it redraws one line; elsewhere it prints a line per phase and
// every 10 percent.
type ProgressBar struct {
	out     io.Writer
	colors  *ColorConfig
	isTTY   bool
	phase   string
	lastPct int
	drawn   bool
}

// NewProgressBar creates a progress bar writing to out.
func NewProgressBar(out io.Writer, colors *ColorConfig) *ProgressBar {
	if out == nil {
		out = os.Stdout
	}
	if colors == nil {
		colors = Plain()
	}
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}
	return &ProgressBar{out: out, colors: colors, isTTY: isTTY, lastPct: -1}
}

// Update renders the given phase, percent and message.
func (p *ProgressBar) Update(phase string, percent int, message string) {
	if phase != p.phase {
		if p.drawn && p.isTTY {
			fmt.Fprintln(p.out)
		}
		p.phase = phase
		p.lastPct = -1
	}
	if p.isTTY {
		p.renderTTY(percent, message)
		return
	}
	step := percent / 10 * 10
	if step <= p.lastPct {
		return
	}
	p.lastPct = step
	fmt.Fprintf(p.out, "  %-18s %3d%%  %s\n", phase, step, message)
	p.drawn = true
}

func (p *ProgressBar) renderTTY(percent int, message string) {
	width := 80
	if f, ok := p.out.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	barWidth := width - 30 - len(message)
	if barWidth > 40 {
		barWidth = 40
	}
	// \033[K clears the rest of the line
	fmt.Fprintf(p.out, "\r  %-18s [%s] %3d%%  %s\033[K",
		p.colors.State(p.phase), p.colors.Bar(percent, barWidth), percent, message)
	p.lastPct = percent
	p.drawn = true
}

// Finish moves to the next line.
func (p *ProgressBar) Finish() {
	if p.drawn && p.isTTY {
		fmt.Fprintln(p.out)
	}
	p.drawn = false
}
