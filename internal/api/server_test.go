package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/probestation/probe-agent/internal/api"
	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/otaerr"
)

type fakeUpdater struct {
	enabled   bool
	progress  ota.Progress
	release   ota.ReleaseView
	available bool
	startErr  error
	checkErr  error

	started []ota.Target
	forced  int
}

func (f *fakeUpdater) CurrentVersion() string { return "1.0.0" }
func (f *fakeUpdater) Enabled() bool          { return f.enabled }
func (f *fakeUpdater) EnsureFresh(force bool) error {
	if force {
		f.forced++
	}
	return f.checkErr
}
func (f *fakeUpdater) StartUpdate(t ota.Target) error {
	f.started = append(f.started, t)
	return f.startErr
}
func (f *fakeUpdater) Progress() ota.Progress       { return f.progress }
func (f *fakeUpdater) ReleaseInfo() ota.ReleaseView { return f.release }
func (f *fakeUpdater) PartitionInfo() ota.PartitionInfo {
	return ota.PartitionInfo{FirmwarePartitionSize: 1310720, SecondaryPartitionSize: 1441792, FreeHeap: 120000, MinFreeHeap: 90000}
}
func (f *fakeUpdater) IsUpdateAvailable() bool { return f.available }

func do(t *testing.T, s *api.Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler.ServeHTTP(w, req)
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w, out
}

func TestHealth(t *testing.T) {
	s := api.NewServer(&fakeUpdater{enabled: true}, api.WithDevice("probe-station"))
	w, out := do(t, s, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK || out["status"] != "healthy" || out["version"] != "1.0.0" || out["state"] != "idle" {
		t.Errorf("health = %d %v", w.Code, out)
	}
}

func TestInfo_Enabled(t *testing.T) {
	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	up := &fakeUpdater{
		enabled:   true,
		progress:  ota.Progress{State: ota.StateReady, Message: "Update info ready"},
		release:   ota.ReleaseView{Tag: "v2.0.0", Name: "Two", Notes: "fixes", HasFirmwareAsset: true, FetchedAt: fetched},
		available: true,
	}
	s := api.NewServer(up, api.WithRepository("martiera", "probe-station-esp32"))

	w, out := do(t, s, http.MethodGet, "/api/ota/info?force=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if up.forced != 1 {
		t.Errorf("force checks = %d", up.forced)
	}
	if out["current"] != "1.0.0" || out["state"] != "ready" || out["statusMessage"] != "Update info ready" || out["updateAvailable"] != true {
		t.Errorf("info = %v", out)
	}
	gh := out["github"].(map[string]any)
	if gh["owner"] != "martiera" || gh["repo"] != "probe-station-esp32" {
		t.Errorf("github = %v", gh)
	}
	latest := out["latest"].(map[string]any)
	assets := latest["assets"].(map[string]any)
	if latest["tag"] != "v2.0.0" || latest["notes"] != "fixes" || assets["firmware"] != true || assets["spiffs"] != false {
		t.Errorf("latest = %v", latest)
	}
	part := out["partition"].(map[string]any)
	if part["firmware"] != float64(1310720) || part["spiffs"] != float64(1441792) {
		t.Errorf("partition = %v", part)
	}
	if _, ok := out["error"]; ok {
		t.Errorf("unexpected error field: %v", out["error"])
	}

	// Without force the handler only reads the cache.
	do(t, s, http.MethodGet, "/api/ota/info", "")
	if up.forced != 1 {
		t.Errorf("force checks = %d after plain read", up.forced)
	}
}

func TestInfo_Disabled(t *testing.T) {
	s := api.NewServer(&fakeUpdater{enabled: false})
	_, out := do(t, s, http.MethodGet, "/api/ota/info?force=1", "")
	if out["error"] != "OTA disabled" || out["updateAvailable"] != false {
		t.Errorf("info = %v", out)
	}
	for _, key := range []string{"state", "latest", "statusMessage"} {
		if _, ok := out[key]; ok {
			t.Errorf("disabled info carries %q", key)
		}
	}
	for _, key := range []string{"current", "github", "partition", "memory"} {
		if _, ok := out[key]; !ok {
			t.Errorf("disabled info lacks %q", key)
		}
	}
}

func TestInfo_SurfacesCheckRejection(t *testing.T) {
	up := &fakeUpdater{enabled: true, checkErr: otaerr.New(otaerr.Busy, "check", "OTA busy")}
	s := api.NewServer(up)
	_, out := do(t, s, http.MethodGet, "/api/ota/info?force=1", "")
	if out["error"] != "OTA busy" {
		t.Errorf("error = %v", out["error"])
	}
}

func TestStatus(t *testing.T) {
	up := &fakeUpdater{enabled: true, progress: ota.Progress{
		State: ota.StateUpdatingFirmware, Target: ota.TargetBoth, Percent: 37, Message: "Writing firmware.bin",
	}}
	s := api.NewServer(up)
	_, out := do(t, s, http.MethodGet, "/api/ota/status", "")
	if out["state"] != "updating_firmware" || out["target"] != "both" || out["progress"] != float64(37) || out["error"] != "" {
		t.Errorf("status = %v", out)
	}
}

func TestStartUpdate(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		body       string
		startErr   error
		wantCode   int
		wantMsg    string
		wantTarget ota.Target
	}{
		{"default both", true, `{}`, nil, 200, "OTA update started", ota.TargetBoth},
		{"empty body", true, ``, nil, 200, "OTA update started", ota.TargetBoth},
		{"firmware", true, `{"target":"firmware"}`, nil, 200, "OTA update started", ota.TargetFirmware},
		{"spiffs", true, `{"target":"SPIFFS"}`, nil, 200, "OTA update started", ota.TargetSecondary},
		{"disabled", false, `{"target":"firmware"}`, nil, 403, "OTA disabled", ota.TargetNone},
		{"bad json", true, `{"target":`, nil, 400, "Invalid JSON", ota.TargetNone},
		{"bad target", true, `{"target":"bootloader"}`, nil, 400, "", ota.TargetNone},
		{
			"rejected", true, `{"target":"both"}`,
			otaerr.New(otaerr.Busy, "start", "OTA already in progress"),
			400, "OTA already in progress", ota.TargetBoth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpdater{enabled: tt.enabled, startErr: tt.startErr}
			s := api.NewServer(up)
			w, out := do(t, s, http.MethodPost, "/api/ota/update", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d (%v)", w.Code, tt.wantCode, out)
			}
			if tt.wantMsg != "" && out["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %q", out["message"], tt.wantMsg)
			}
			if tt.wantCode == 200 && out["success"] != true {
				t.Errorf("success flag missing: %v", out)
			}
			if tt.wantCode != 200 && out["error"] != true {
				t.Errorf("error flag missing: %v", out)
			}
			if tt.wantTarget == ota.TargetNone {
				if len(up.started) != 0 {
					t.Errorf("StartUpdate called with %v", up.started)
				}
			} else if len(up.started) != 1 || up.started[0] != tt.wantTarget {
				t.Errorf("started = %v, want %v", up.started, tt.wantTarget)
			}
		})
	}
}

func TestRealtimeMounted(t *testing.T) {
	called := false
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	s := api.NewServer(&fakeUpdater{}, api.WithRealtime(ws))
	w := httptest.NewRecorder()
	s.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !called || w.Code != http.StatusTeapot {
		t.Errorf("ws handler not mounted: %d", w.Code)
	}
}
