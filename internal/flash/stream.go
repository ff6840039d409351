package flash

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/probestation/probe-agent/internal/fetch"
	"github.com/probestation/probe-agent/internal/otaerr"
)

const (
	DefaultChunkSize    = 1024
	DefaultStallTimeout = 30 * time.Second
	defaultIdleYield    = 10 * time.Millisecond
)

// Opener starts an image download.
type Opener interface {
	Open(ctx context.Context, url string) (*fetch.Stream, error)
}

// Watchdog is fed while a long write makes progress.
type Watchdog interface {
	Feed()
}

// Restarter reboots into the newly selected boot partition. On a device it
// does not return.
type Restarter interface {
	Restart(reason string)
}

// StreamConfig tunes chunked streaming.
type StreamConfig struct {
	ChunkSize    int
	StallTimeout time.Duration
	// IdleYield is the pause after a zero-byte read.
	IdleYield time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.IdleYield <= 0 {
		c.IdleYield = defaultIdleYield
	}
	return c
}

// Hooks receive writer side effects. Both are optional.
type Hooks struct {
	// OnProgress fires when the integer percent changes.
	OnProgress func(percent int)
	// OnCommitted fires after the boot partition switch, before restart.
	OnCommitted func()
}

func (h Hooks) progress(pct int) {
	if h.OnProgress != nil {
		h.OnProgress(pct)
	}
}

// stallGuard cancels the download when no bytes arrive for the timeout.
type stallGuard struct {
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func newStallGuard(timeout time.Duration, cancel context.CancelFunc) *stallGuard {
	g := &stallGuard{timeout: timeout}
	g.timer = time.AfterFunc(timeout, func() {
		g.fired.Store(true)
		cancel()
	})
	return g
}

func (g *stallGuard) touch()        { g.timer.Reset(g.timeout) }
func (g *stallGuard) stop()         { g.timer.Stop() }
func (g *stallGuard) stalled() bool { return g.fired.Load() }

func (g *stallGuard) err() error {
	return otaerr.Newf(otaerr.Network, "stream", "Download timeout (no data for %s)", g.timeout)
}

// copyStream moves body into sess chunk by chunk until total bytes arrive
// (or EOF when total is negative). It does not end or abort sess.
func copyStream(body io.Reader, sess Session, total int64, cfg StreamConfig, guard *stallGuard, onBytes func(written int64)) (int64, error) {
	buf := make([]byte, cfg.ChunkSize)
	var written int64

	for total < 0 || written < total {
		if guard.stalled() {
			return written, guard.err()
		}
		want := len(buf)
		if total >= 0 && total-written < int64(want) {
			want = int(total - written)
		}

		n, err := body.Read(buf[:want])
		if n > 0 {
			if werr := sess.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			guard.touch()
			onBytes(written)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total < 0 {
					return written, nil
				}
				if written < total {
					return written, otaerr.Newf(otaerr.Network, "stream", "connection closed after %d of %d bytes", written, total)
				}
				return written, nil
			}
			if guard.stalled() {
				return written, guard.err()
			}
			return written, otaerr.Wrap(otaerr.Network, "stream", "download interrupted", err)
		}
		if n == 0 {
			time.Sleep(cfg.IdleYield)
		}
	}
	return written, nil
}

// percentTracker reports integer percent changes only.
type percentTracker struct {
	total int64
	last  int
}

func (p *percentTracker) update(written int64) (int, bool) {
	if p.total <= 0 {
		return 0, false
	}
	pct := int(written * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct == p.last {
		return pct, false
	}
	p.last = pct
	return pct, true
}
