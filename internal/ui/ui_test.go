package ui

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-1234, "-1,234"},
		{-123456, "-123,456"},
	}
	for _, tt := range tests {
		if got := FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KiB",
		1572864: "1.5 MiB",
		1441792: "1.4 MiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := FormatAge(time.Time{}, now); got != "never" {
		t.Errorf("zero = %q", got)
	}
	if got := FormatAge(now.Add(-90*time.Second), now); got != "1m ago" {
		t.Errorf("90s = %q", got)
	}
	if got := FormatAge(now.Add(-72*time.Hour), now); got != "3d ago" {
		t.Errorf("72h = %q", got)
	}
}

func TestTable(t *testing.T) {
	out := Table(Plain(), []string{"LABEL", "SIZE"}, [][]string{{"app0", "1310720"}, {"spiffs", "1441792"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
	if strings.TrimRight(lines[0], " ") != "LABEL   SIZE" || lines[2] != "app0    1310720" {
		t.Errorf("table =\n%s", out)
	}
}

func TestPrinter_Emit(t *testing.T) {
	v := map[string]any{"state": "ready"}

	var buf bytes.Buffer
	if err := NewPrinterTo(&buf, "json").Emit(v, func() { t.Error("text called") }); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"state": "ready"`) {
		t.Errorf("json = %s", buf.String())
	}

	buf.Reset()
	if err := NewPrinterTo(&buf, "yaml").Emit(v, func() { t.Error("text called") }); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "state: ready" {
		t.Errorf("yaml = %s", buf.String())
	}

	called := false
	_ = NewPrinterTo(&buf, "text").Emit(v, func() { called = true })
	if !called {
		t.Error("text renderer not called")
	}
}

func TestProgressBar_NonTTY(t *testing.T) {
	var buf bytes.Buffer
	bar := NewProgressBar(&buf, nil)
	for _, pct := range []int{0, 3, 9, 10, 15, 55, 100} {
		bar.Update("updating_firmware", pct, "Writing firmware.bin")
	}
	bar.Finish()
	got := strings.Count(buf.String(), "\n")
	if got != 4 {
		t.Errorf("lines = %d, want 4 (0, 10, 50, 100)\n%s", got, buf.String())
	}
}

func TestLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := LastLines(path, 2, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "c\nd\n" {
		t.Errorf("tail = %q", buf.String())
	}
}
