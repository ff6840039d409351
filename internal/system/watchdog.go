package system

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
)

// Watchdog feeds the systemd watchdog. Without NOTIFY_SOCKET every call is a
// no-op.
type Watchdog struct {
	Log *zap.Logger

	mu       sync.Mutex
	lastFeed time.Time
	// minGap rate-limits Feed; zero sends every time.
	minGap   time.Duration
	notify   func(state string) (bool, error)
}

// NewWatchdog returns a Watchdog that sends at most one keepalive per
// 100ms.
func NewWatchdog(log *zap.Logger) *Watchdog {
	return &Watchdog{Log: log, minGap: 100 * time.Millisecond}
}

func (w *Watchdog) send(state string) bool {
	notify := w.notify
	if notify == nil {
		notify = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}
	ok, err := notify(state)
	if err != nil && w.Log != nil {
		w.Log.Debug("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
	return ok
}

// Feed sends a watchdog keepalive.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	now := time.Now()
	if w.minGap > 0 && now.Sub(w.lastFeed) < w.minGap {
		w.mu.Unlock()
		return
	}
	w.lastFeed = now
	w.mu.Unlock()
	w.send(daemon.SdNotifyWatchdog)
}

// Ready tells systemd the agent finished starting.
func (w *Watchdog) Ready() bool { return w.send(daemon.SdNotifyReady) }

// Stopping tells systemd the agent is shutting down.
func (w *Watchdog) Stopping() bool { return w.send(daemon.SdNotifyStopping) }

// Run feeds at half the configured watchdog interval until ctx ends. It
// returns immediately when the watchdog is not enabled for this unit.
func (w *Watchdog) Run(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Feed()
		}
	}
}
