package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/probestation/probe-agent/internal/ota"
)

type fakeSource struct {
	progress  ota.Progress
	available bool
}

func (f fakeSource) Progress() ota.Progress { return f.progress }
func (f fakeSource) ReleaseInfo() ota.ReleaseView {
	return ota.ReleaseView{Tag: "v2.0.0", HasFirmwareAsset: true}
}
func (f fakeSource) IsUpdateAvailable() bool { return f.available }
func (f fakeSource) CurrentVersion() string  { return "1.0.0" }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_GreetsWithStatusAndNotification(t *testing.T) {
	h := NewHub(fakeSource{progress: ota.Progress{State: ota.StateReady, Message: "Update info ready"}, available: true}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	first := read(t, conn)
	if first.Type != TypeStatus || first.Status == nil || first.Status.State != ota.StateReady {
		t.Fatalf("first message = %+v", first)
	}
	second := read(t, conn)
	if second.Type != TypeUpdateAvailable || second.Current != "1.0.0" || second.Latest != "v2.0.0" {
		t.Fatalf("second message = %+v", second)
	}
}

func TestHub_NoNotificationWhenCurrent(t *testing.T) {
	h := NewHub(fakeSource{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	if msg := read(t, conn); msg.Type != TypeStatus {
		t.Fatalf("first message = %+v", msg)
	}
	waitClients(t, h, 1)
	h.Publish(ota.ProgressChanged{Progress: ota.Progress{State: ota.StateUpdatingFirmware, Percent: 40}})
	msg := read(t, conn)
	if msg.Type != TypeProgress || msg.Status.Percent != 40 {
		t.Errorf("broadcast = %+v", msg)
	}
}

func TestHub_OTAModeDropsAndRefuses(t *testing.T) {
	h := NewHub(fakeSource{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	read(t, conn)
	waitClients(t, h, 1)

	h.SetOTAMode(true)
	h.SetOTAMode(true)
	waitClients(t, h, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open in OTA mode")
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded in OTA mode")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %v", resp)
	}

	h.SetOTAMode(false)
	conn2 := dial(t, srv)
	if msg := read(t, conn2); msg.Type != TypeStatus {
		t.Errorf("after OTA mode: %+v", msg)
	}
}

func TestHub_RefreshCommand(t *testing.T) {
	h := NewHub(fakeSource{progress: ota.Progress{State: ota.StateIdle}}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	read(t, conn)
	if err := conn.WriteJSON(map[string]string{"cmd": "refresh"}); err != nil {
		t.Fatal(err)
	}
	if msg := read(t, conn); msg.Type != TypeStatus {
		t.Errorf("refresh reply = %+v", msg)
	}
}
