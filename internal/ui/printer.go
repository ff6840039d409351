package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Printer centralizes output formatting for commands.
// - Respects --output (text|json|yaml)
// - Uses ColorConfig for styling when printing text
type Printer struct {
	format string
	out    io.Writer
	Colors *ColorConfig
}

// NewPrinter writes to stdout.
func NewPrinter(format string, noColor bool) Printer {
	return Printer{format: format, out: os.Stdout, Colors: NewColorConfig(noColor)}
}

// NewPrinterTo writes uncolored output to w.
func NewPrinterTo(w io.Writer, format string) Printer {
	return Printer{format: format, out: w, Colors: Plain()}
}

// Format returns the output format.
func (p Printer) Format() string { return p.format }

// Structured reports whether output is machine readable.
func (p Printer) Structured() bool { return p.format == "json" || p.format == "yaml" }

// Emit prints v as JSON or YAML, or calls text for the text format.
func (p Printer) Emit(v any, text func()) error {
	switch p.format {
	case "json":
		return p.JSON(v)
	case "yaml":
		return p.YAML(v)
	default:
		text()
		return nil
	}
}

// Textf prints formatted text.
func (p Printer) Textf(format string, a ...any) { fmt.Fprintf(p.out, format, a...) }

// JSON pretty-prints a JSON value.
func (p Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// YAML prints v as a YAML document.
func (p Printer) YAML(v any) error {
	enc := yaml.NewEncoder(p.out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func (p Printer) line(icon, plain, msg string, style func(string) string) {
	if p.Colors.EmojiEnabled {
		fmt.Fprintln(p.out, style(icon), msg)
		return
	}
	fmt.Fprintln(p.out, style(plain), msg)
}

// Success prints a success line with themed prefix.
func (p Printer) Success(msg string) { p.line("✓", "[OK]", msg, p.Colors.Success) }

// Info prints an informational line.
func (p Printer) Info(msg string) { p.line("ℹ", "[INFO]", msg, p.Colors.Info) }

// Warn prints a warning line.
func (p Printer) Warn(msg string) { p.line("!", "[WARN]", msg, p.Colors.Warning) }

// Error prints an error line.
func (p Printer) Error(msg string) { p.line("✗", "[ERR]", msg, p.Colors.Error) }

// Section prints a section header with separator
func (p Printer) Section(title string) {
	fmt.Fprintln(p.out, p.Colors.SubHeader(title))
	fmt.Fprintln(p.out, p.Colors.Separator(40))
}

// KeyValue prints an aligned key-value pair.
func (p Printer) KeyValue(key, value string) {
	fmt.Fprintf(p.out, "  %s %s\n", p.Colors.Label(fmt.Sprintf("%-16s", key+":")), value)
}
