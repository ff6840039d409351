package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestParseServiceEntry(t *testing.T) {
	tests := []struct {
		name    string
		entry   *zeroconf.ServiceEntry
		wantOK  bool
		wantIP  string
		wantURL string
	}{
		{
			name: "ipv4",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "probe-station"},
				HostName:      "probe.local.",
				Port:          8080,
				AddrIPv4:      []net.IP{net.ParseIP("192.168.4.16")},
				Text:          []string{"version=v1.2.0", "state=idle", "flag"},
			},
			wantOK:  true,
			wantIP:  "192.168.4.16",
			wantURL: "http://192.168.4.16:8080",
		},
		{
			name: "ipv6 fallback",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "lab"},
				Port:          8080,
				AddrIPv6:      []net.IP{net.ParseIP("fe80::1")},
			},
			wantOK:  true,
			wantIP:  "fe80::1",
			wantURL: "http://[fe80::1]:8080",
		},
		{
			name:  "no address",
			entry: &zeroconf.ServiceEntry{Port: 8080},
		},
		{
			name:  "no port",
			entry: &zeroconf.ServiceEntry{AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")}},
		},
		{
			name: "nil",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := parseServiceEntry(tt.entry)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if a.IP != tt.wantIP || a.URL() != tt.wantURL {
				t.Errorf("agent = %+v url=%s", a, a.URL())
			}
		})
	}
}

func TestParseServiceEntry_Metadata(t *testing.T) {
	a, ok := parseServiceEntry(&zeroconf.ServiceEntry{
		Port:     8080,
		AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")},
		Text:     []string{"version=v1.2.0", "flag"},
	})
	if !ok {
		t.Fatal("entry rejected")
	}
	if a.Version != "v1.2.0" {
		t.Errorf("version = %q", a.Version)
	}
	if v, ok := a.Metadata["flag"]; !ok || v != "" {
		t.Errorf("flag = %q, %v", v, ok)
	}
}

type fakeServer struct{ shutdowns *int }

func (f fakeServer) Shutdown() { *f.shutdowns++ }

func TestAdvertiser_OTAMode(t *testing.T) {
	var registers, shutdowns int
	a := &Advertiser{Instance: "probe-station", Port: 8080}
	a.register = func(instance, service, domain string, port int, text []string) (shutdowner, error) {
		if service != ServiceType || domain != ServiceDomain || port != 8080 {
			t.Errorf("register(%s, %s, %s, %d)", instance, service, domain, port)
		}
		registers++
		return fakeServer{&shutdowns}, nil
	}

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	a.SetOTAMode(true)
	a.SetOTAMode(true)
	if registers != 1 || shutdowns != 1 {
		t.Fatalf("after enter: registers=%d shutdowns=%d", registers, shutdowns)
	}
	a.SetOTAMode(false)
	if registers != 2 {
		t.Errorf("not re-registered: %d", registers)
	}
	a.Stop()
	if shutdowns != 2 {
		t.Errorf("shutdowns = %d", shutdowns)
	}
}

func TestAdvertiser_OTAModeWhenNeverStarted(t *testing.T) {
	a := &Advertiser{Instance: "probe-station", Port: 8080}
	a.register = func(string, string, string, int, []string) (shutdowner, error) {
		t.Error("registered an advertiser that was never started")
		return nil, errors.New("unexpected")
	}
	a.SetOTAMode(true)
	a.SetOTAMode(false)
}
