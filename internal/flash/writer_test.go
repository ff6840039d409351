package flash_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/probestation/probe-agent/internal/fetch"
	"github.com/probestation/probe-agent/internal/flash"
	"github.com/probestation/probe-agent/internal/flash/flashtest"
	"github.com/probestation/probe-agent/internal/otaerr"
)

func firmwareImage(n int) []byte {
	b := bytes.Repeat([]byte{0x5A}, n)
	b[0] = flash.AppImageMagic
	return b
}

func serveImage(t *testing.T, img []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		w.Write(img)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type recorder struct {
	mu     sync.Mutex
	events []string
	feeds  int
}

func (r *recorder) Restart(reason string) { r.add("restart") }
func (r *recorder) Feed() {
	r.mu.Lock()
	r.feeds++
	r.mu.Unlock()
}
func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}
func (r *recorder) restarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == "restart" {
			return true
		}
	}
	return false
}

func newFirmwareWriter(p *flashtest.Platform, rec *recorder) *flash.FirmwareWriter {
	return &flash.FirmwareWriter{
		Table:     p,
		OTA:       p,
		Opener:    &fetch.Opener{},
		Watchdog:  rec,
		Restarter: rec,
		Stream:    flash.StreamConfig{StallTimeout: 200 * time.Millisecond, IdleYield: time.Millisecond},
	}
}

func TestFirmwareWriter_Success(t *testing.T) {
	img := firmwareImage(5000)
	srv := serveImage(t, img)
	p := flashtest.New()
	rec := &recorder{}
	w := newFirmwareWriter(p, rec)

	var percents []int
	hooks := flash.Hooks{
		OnProgress:  func(pct int) { percents = append(percents, pct) },
		OnCommitted: func() { rec.add("committed") },
	}
	if err := w.Apply(context.Background(), srv.URL+"/firmware.bin", hooks); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !bytes.Equal(p.Image("app1"), img) {
		t.Error("image not written to inactive partition")
	}
	if got := p.BootSets(); len(got) != 1 || got[0] != "app1" {
		t.Errorf("BootSets() = %v", got)
	}
	if strings.Join(rec.events, ",") != "committed,restart" {
		t.Errorf("events = %v, want committed then restart", rec.events)
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("percents = %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] <= percents[i-1] {
			t.Errorf("percent callbacks must only fire on change: %v", percents)
		}
	}
	// one feed after the handshake plus one per progress tick
	if rec.feeds != len(percents)+1 {
		t.Errorf("feeds = %d, want %d", rec.feeds, len(percents)+1)
	}
}

func TestFirmwareWriter_RejectsUnknownLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(firmwareImage(100))
		w.(http.Flusher).Flush()
		w.Write(firmwareImage(100))
	}))
	defer srv.Close()

	p := flashtest.New()
	rec := &recorder{}
	err := newFirmwareWriter(p, rec).Apply(context.Background(), srv.URL, flash.Hooks{})
	if otaerr.Message(err) != "Invalid content length" {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(p.Begun()) != 0 {
		t.Error("no session may be opened without a content length")
	}
}

func TestFirmwareWriter_RejectsOversizeImage(t *testing.T) {
	srv := serveImage(t, firmwareImage(4096))
	p := flashtest.New()
	p.Layout[1].Size = 2048
	rec := &recorder{}

	err := newFirmwareWriter(p, rec).Apply(context.Background(), srv.URL, flash.Hooks{})
	if otaerr.KindOf(err) != otaerr.Resource {
		t.Fatalf("Apply() error = %v, want resource", err)
	}
	if len(p.Begun()) != 0 || rec.restarted() {
		t.Error("oversize image must be rejected before writing")
	}
}

func TestFirmwareWriter_NoSparePartition(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	defer srv.Close()

	p := flashtest.New()
	p.Layout = p.Layout[:1]
	err := newFirmwareWriter(p, &recorder{}).Apply(context.Background(), srv.URL, flash.Hooks{})
	if !errors.Is(err, flash.ErrNoUpdatePartition) {
		t.Fatalf("Apply() error = %v", err)
	}
	if hit {
		t.Error("no download should start without a spare partition")
	}
}

func TestFirmwareWriter_WriteFailureAborts(t *testing.T) {
	srv := serveImage(t, firmwareImage(8192))
	p := flashtest.New()
	p.FailWrite = func(label string, written int64) error {
		if written >= 2048 {
			return errors.New("flash error 0x105")
		}
		return nil
	}
	rec := &recorder{}

	err := newFirmwareWriter(p, rec).Apply(context.Background(), srv.URL, flash.Hooks{})
	if err == nil || !strings.Contains(err.Error(), "0x105") {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := p.Aborted(); len(got) != 1 || got[0] != "app1" {
		t.Errorf("Aborted() = %v", got)
	}
	if len(p.BootSets()) != 0 || rec.restarted() {
		t.Error("failed write must not switch boot or restart")
	}
}

func TestFirmwareWriter_StallAborts(t *testing.T) {
	img := firmwareImage(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		w.Write(img[:1024])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := flashtest.New()
	rec := &recorder{}
	w := newFirmwareWriter(p, rec)
	w.Stream.StallTimeout = 100 * time.Millisecond

	start := time.Now()
	err := w.Apply(context.Background(), srv.URL, flash.Hooks{})
	if err == nil || !strings.Contains(otaerr.Message(err), "Download timeout") {
		t.Fatalf("Apply() error = %v, want download timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("stall detection took too long")
	}
	if got := p.Aborted(); len(got) != 1 {
		t.Errorf("Aborted() = %v, want the session aborted", got)
	}
	if len(p.BootSets()) != 0 || p.BootLabel != "app0" {
		t.Error("stalled download must not mark any partition bootable")
	}
	if rec.restarted() {
		t.Error("stalled download must not restart")
	}
}

func TestFirmwareWriter_FinalizeFailureIsIntegrity(t *testing.T) {
	srv := serveImage(t, firmwareImage(3000))
	p := flashtest.New()
	p.FailEnd = map[string]error{"app1": errors.New("image hash mismatch")}
	rec := &recorder{}

	err := newFirmwareWriter(p, rec).Apply(context.Background(), srv.URL, flash.Hooks{})
	if otaerr.KindOf(err) != otaerr.Integrity {
		t.Fatalf("Apply() error = %v, want integrity", err)
	}
	if len(p.BootSets()) != 0 || rec.restarted() {
		t.Error("invalid image must not switch boot or restart")
	}
}

func TestFirmwareWriter_SetBootFailure(t *testing.T) {
	srv := serveImage(t, firmwareImage(3000))
	p := flashtest.New()
	p.FailSetBoot = errors.New("otadata write failed")
	rec := &recorder{}

	if err := newFirmwareWriter(p, rec).Apply(context.Background(), srv.URL, flash.Hooks{}); err == nil {
		t.Fatal("expected error")
	}
	if rec.restarted() {
		t.Error("must not restart when boot switch failed")
	}
}

// trickleReader returns zero bytes with a nil error between chunks.
type trickleReader struct {
	data   []byte
	blanks int
	tick   int
}

func (r *trickleReader) Read(p []byte) (int, error) {
	r.tick++
	if r.tick%2 == 1 && r.blanks > 0 {
		r.blanks--
		return 0, nil
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

type staticOpener struct {
	body   io.Reader
	length int64
}

func (o staticOpener) Open(ctx context.Context, url string) (*fetch.Stream, error) {
	return &fetch.Stream{Body: io.NopCloser(o.body), ContentLength: o.length}, nil
}

func TestFirmwareWriter_ZeroByteReadsYield(t *testing.T) {
	img := firmwareImage(3000)
	p := flashtest.New()
	rec := &recorder{}
	w := newFirmwareWriter(p, rec)
	w.Opener = staticOpener{body: &trickleReader{data: img, blanks: 5}, length: int64(len(img))}

	if err := w.Apply(context.Background(), "mem://firmware", flash.Hooks{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !bytes.Equal(p.Image("app1"), img) {
		t.Error("image mismatch")
	}
}

type silentReader struct{}

func (silentReader) Read(p []byte) (int, error) { return 0, nil }

func TestFirmwareWriter_ZeroByteReadsStall(t *testing.T) {
	p := flashtest.New()
	rec := &recorder{}
	w := newFirmwareWriter(p, rec)
	w.Stream.StallTimeout = 50 * time.Millisecond
	w.Opener = staticOpener{body: silentReader{}, length: 1000}

	err := w.Apply(context.Background(), "mem://firmware", flash.Hooks{})
	if !strings.Contains(otaerr.Message(err), "Download timeout") {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(p.Aborted()) != 1 || len(p.BootSets()) != 0 {
		t.Errorf("aborted=%v boots=%v", p.Aborted(), p.BootSets())
	}
}

func TestFirmwareWriter_ShortBody(t *testing.T) {
	p := flashtest.New()
	w := newFirmwareWriter(p, &recorder{})
	w.Opener = staticOpener{body: bytes.NewReader(firmwareImage(500)), length: 1000}

	err := w.Apply(context.Background(), "mem://firmware", flash.Hooks{})
	if otaerr.KindOf(err) != otaerr.Network {
		t.Fatalf("Apply() error = %v, want network", err)
	}
	if len(p.Aborted()) != 1 {
		t.Error("short body must abort the session")
	}
}

func TestFirmwareWriter_FileStoreEndToEnd(t *testing.T) {
	dir := t.TempDir()
	if err := flash.Init(dir, nil, false); err != nil {
		t.Fatal(err)
	}
	store, err := flash.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	img := firmwareImage(10_000)
	srv := serveImage(t, img)
	rec := &recorder{}
	w := &flash.FirmwareWriter{Table: store, OTA: store, Opener: &fetch.Opener{}, Watchdog: rec, Restarter: rec}

	if err := w.Apply(context.Background(), srv.URL, flash.Hooks{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if store.Boot() != "app1" {
		t.Errorf("Boot() = %q", store.Boot())
	}

	bad := bytes.Repeat([]byte{0x00}, 2000)
	srvBad := serveImage(t, bad)
	reopened, _ := flash.Open(dir, nil)
	w.Table, w.OTA = reopened, reopened
	err = w.Apply(context.Background(), srvBad.URL, flash.Hooks{})
	if otaerr.KindOf(err) != otaerr.Integrity {
		t.Fatalf("bad image Apply() error = %v, want integrity", err)
	}
	if reopened.Boot() != "app1" {
		t.Error("bad image must leave the boot pointer unchanged")
	}
}

func TestSecondaryWriter_UnknownLength(t *testing.T) {
	payload := bytes.Repeat([]byte("web-ui "), 500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload[:1000])
		w.(http.Flusher).Flush()
		w.Write(payload[1000:])
	}))
	defer srv.Close()

	p := flashtest.New()
	rec := &recorder{}
	var last int
	w := &flash.SecondaryWriter{Updater: p, Opener: &fetch.Opener{}, Watchdog: rec}
	err := w.Apply(context.Background(), srv.URL, flash.Hooks{OnProgress: func(pct int) { last = pct }})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !bytes.Equal(p.Image("spiffs"), payload) {
		t.Error("payload mismatch")
	}
	if last != 100 {
		t.Errorf("final percent = %d", last)
	}
	if len(p.BootSets()) != 0 || rec.restarted() {
		t.Error("secondary writer must not switch boot or restart")
	}
}

func TestSecondaryWriter_WriteFailure(t *testing.T) {
	srv := serveImage(t, bytes.Repeat([]byte{1}, 4096))
	p := flashtest.New()
	p.FailWrite = func(label string, written int64) error {
		if written > 0 {
			return errors.New("spiffs write error")
		}
		return nil
	}
	w := &flash.SecondaryWriter{Updater: p, Opener: &fetch.Opener{}}
	if err := w.Apply(context.Background(), srv.URL, flash.Hooks{}); err == nil {
		t.Fatal("expected error")
	}
	if len(p.Aborted()) != 1 || len(p.Ended()) != 0 {
		t.Errorf("aborted=%v ended=%v", p.Aborted(), p.Ended())
	}
}

func TestSecondaryWriter_FinalizeFailureIsIntegrity(t *testing.T) {
	srv := serveImage(t, bytes.Repeat([]byte{1}, 2048))
	p := flashtest.New()
	p.FailEnd = map[string]error{"spiffs": errors.New("md5 mismatch")}
	w := &flash.SecondaryWriter{Updater: p, Opener: &fetch.Opener{}}
	if err := w.Apply(context.Background(), srv.URL, flash.Hooks{}); otaerr.KindOf(err) != otaerr.Integrity {
		t.Fatalf("Apply() error = %v, want integrity", err)
	}
}
