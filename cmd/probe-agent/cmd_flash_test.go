package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/probestation/probe-agent/internal/flash"
	"github.com/probestation/probe-agent/internal/ui"
)

func TestFlashInitAndShow(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "flash")

	var out bytes.Buffer
	if err := handleFlashInit(ui.NewPrinterTo(&out, "text"), dir, "", false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out.String(), "3 partitions") {
		t.Fatalf("init output:\n%s", out.String())
	}
	if err := handleFlashInit(ui.NewPrinterTo(&out, "text"), dir, "", false); err == nil {
		t.Fatal("second init without --force should fail")
	}

	out.Reset()
	if err := handleFlashShow(ui.NewPrinterTo(&out, "json"), &out, dir); err != nil {
		t.Fatalf("show: %v", err)
	}
	var v flashView
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if v.Boot != "app0" || len(v.Partitions) != 3 || len(v.Images) != 0 {
		t.Fatalf("view = %+v", v)
	}

	out.Reset()
	if err := handleFlashShow(ui.NewPrinterTo(&out, "text"), &out, dir); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"app0 *", "ota_1", "spiffs", "1.4 MiB", "empty"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q:\n%s", want, out.String())
		}
	}
}

func TestFlashInit_CustomLayout(t *testing.T) {
	tmp := t.TempDir()
	layout := filepath.Join(tmp, "layout.yaml")
	doc := `partitions:
  - {label: a, type: app, subtype: ota_0, size: 65536}
  - {label: b, type: app, subtype: ota_1, size: 65536}
  - {label: data, type: data, subtype: spiffs, size: 32768}
`
	if err := os.WriteFile(layout, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(tmp, "flash")
	var out bytes.Buffer
	if err := handleFlashInit(ui.NewPrinterTo(&out, "text"), dir, layout, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	store, err := flash.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	next, err := store.NextUpdate()
	if err != nil || next.Label != "b" || next.Size != 65536 {
		t.Fatalf("next = %+v, %v", next, err)
	}
}

func TestFlashShow_Uninitialised(t *testing.T) {
	var out bytes.Buffer
	err := handleFlashShow(ui.NewPrinterTo(&out, "text"), &out, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "flash init") {
		t.Fatalf("err = %v", err)
	}
}
