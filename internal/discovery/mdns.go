// Package discovery advertises the agent over mDNS and finds agents on the
// local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the mDNS service type agents advertise.
	ServiceType = "_probe-agent._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default browse duration.
	DefaultScanTimeout = 3 * time.Second
)

// Agent is one discovered agent.
type Agent struct {
	Instance     string            `json:"instance" yaml:"instance"`
	Hostname     string            `json:"hostname" yaml:"hostname"`
	IP           string            `json:"ip" yaml:"ip"`
	Port         int               `json:"port" yaml:"port"`
	Version      string            `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	DiscoveredAt time.Time         `json:"discoveredAt" yaml:"discovered_at"`
}

// URL is the agent's HTTP base URL.
func (a Agent) URL() string {
	return "http://" + net.JoinHostPort(a.IP, fmt.Sprint(a.Port))
}

// Scan browses for agents until timeout and returns them sorted by instance.
func Scan(ctx context.Context, timeout time.Duration) ([]Agent, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	var (
		mu     sync.Mutex
		agents = map[string]Agent{}
	)
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if a, ok := parseServiceEntry(entry); ok {
					mu.Lock()
					agents[a.Instance] = a
					mu.Unlock()
				}
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	<-done

	mu.Lock()
	defer mu.Unlock()
	out := make([]Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// parseServiceEntry converts a zeroconf entry, preferring IPv4.
func parseServiceEntry(entry *zeroconf.ServiceEntry) (Agent, bool) {
	if entry == nil {
		return Agent{}, false
	}
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port == 0 {
		return Agent{}, false
	}

	meta := make(map[string]string, len(entry.Text))
	for _, txt := range entry.Text {
		k, v, _ := strings.Cut(txt, "=")
		meta[k] = v
	}
	return Agent{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Version:      meta["version"],
		Metadata:     meta,
		DiscoveredAt: time.Now(),
	}, true
}

// Advertiser registers the agent's service. It is an update-mode
// collaborator: the registration is withdrawn while an update runs.
type Advertiser struct {
	Instance string
	Port     int
	Text     []string
	Log      *zap.Logger

	mu     sync.Mutex
	active shutdowner
	paused bool
	resume bool

	// register is replaced in tests.
	register func(instance, service, domain string, port int, text []string) (shutdowner, error)
}

type shutdowner interface{ Shutdown() }

func (a *Advertiser) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

func (a *Advertiser) doRegister() (shutdowner, error) {
	if a.register != nil {
		return a.register(a.Instance, ServiceType, ServiceDomain, a.Port, a.Text)
	}
	s, err := zeroconf.Register(a.Instance, ServiceType, ServiceDomain, a.Port, a.Text, nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start registers the service.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startLocked()
}

func (a *Advertiser) startLocked() error {
	if a.active != nil {
		return nil
	}
	s, err := a.doRegister()
	if err != nil {
		return fmt.Errorf("mDNS register: %w", err)
	}
	a.active = s
	a.logger().Info("mDNS service registered", zap.String("instance", a.Instance), zap.Int("port", a.Port))
	return nil
}

// Stop withdraws the service.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *Advertiser) stopLocked() {
	if a.active == nil {
		return
	}
	a.active.Shutdown()
	a.active = nil
}

// SetOTAMode withdraws the registration while enabled and restores it
// afterwards.
func (a *Advertiser) SetOTAMode(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if enabled == a.paused {
		return
	}
	a.paused = enabled
	if enabled {
		a.resume = a.active != nil
		a.stopLocked()
		return
	}
	if !a.resume {
		return
	}
	if err := a.startLocked(); err != nil {
		a.logger().Warn("mDNS re-register failed", zap.Error(err))
	}
}
