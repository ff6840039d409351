package system

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRestarter_ExitOnly(t *testing.T) {
	var code = -1
	flushed := 0
	r := &Restarter{ExitCode: 3, Flush: func() { flushed++ }}
	r.exit = func(c int) { code = c }

	r.Restart("firmware update")
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if flushed == 0 {
		t.Error("logs must be flushed before exit")
	}
}

func TestRestarter_Command(t *testing.T) {
	var gotName string
	var gotArgs []string
	r := &Restarter{Command: []string{"systemctl", "restart", "probe-agent"}}
	r.exit = func(int) {}
	r.run = func(_ context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return errors.New("not permitted")
	}

	r.Restart("test")
	if gotName != "systemctl" || strings.Join(gotArgs, " ") != "restart probe-agent" {
		t.Errorf("ran %q %v", gotName, gotArgs)
	}
}

func TestRestarter_UnitPreferred(t *testing.T) {
	var unit string
	ranCommand := false
	r := &Restarter{Unit: "probe-agent.service", Command: []string{"reboot"}}
	r.exit = func(int) {}
	r.run = func(context.Context, string, ...string) error { ranCommand = true; return nil }
	r.restartUnit = func(_ context.Context, u string) error { unit = u; return nil }

	r.Restart("test")
	if unit != "probe-agent.service" || ranCommand {
		t.Errorf("unit=%q ranCommand=%v", unit, ranCommand)
	}
}

func TestWatchdog_NoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	w := NewWatchdog(nil)
	w.Feed()
	if w.Ready() {
		t.Error("Ready() should report false without NOTIFY_SOCKET")
	}
}

func TestWatchdog_SendsToNotifySocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unsupported: %v", err)
	}
	defer conn.Close()
	defer os.Remove(path)
	t.Setenv("NOTIFY_SOCKET", path)

	w := NewWatchdog(nil)
	if !w.Ready() {
		t.Fatal("Ready() = false")
	}
	w.Feed()
	w.Feed() // rate-limited

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	var got []string
	for i := 0; i < 2; i++ {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got = append(got, string(buf[:n]))
	}
	if got[0] != "READY=1" || got[1] != "WATCHDOG=1" {
		t.Errorf("messages = %v", got)
	}

	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := conn.Read(buf); err == nil {
		t.Error("second Feed inside the gap should not send")
	}
}
