package flash

import (
	"context"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/otaerr"
)

// SecondaryWriter streams a data image through the generic update API. It
// accepts unknown lengths and never restarts.
type SecondaryWriter struct {
	Updater  Updater
	Opener   Opener
	Watchdog Watchdog
	Stream   StreamConfig
	Log      *zap.Logger
}

// Apply downloads url into the data partition and commits it.
func (w *SecondaryWriter) Apply(ctx context.Context, url string, hooks Hooks) error {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := w.Stream.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard := newStallGuard(cfg.StallTimeout, cancel)
	defer guard.stop()

	stream, err := w.Opener.Open(ctx, url)
	if err != nil {
		if guard.stalled() {
			return guard.err()
		}
		return err
	}
	defer stream.Close()
	w.feed()

	length := stream.ContentLength
	if length <= 0 {
		length = -1
	}
	sess, err := w.Updater.BeginUpdate(ImageData, length)
	if err != nil {
		return err
	}
	log.Info("secondary download starting", zap.Int64("content_length", length))

	pt := percentTracker{total: length, last: -1}
	written, err := copyStream(stream.Body, sess, length, cfg, guard, func(n int64) {
		if pct, changed := pt.update(n); changed {
			w.feed()
			hooks.progress(pct)
		}
	})
	if err != nil {
		_ = sess.Abort()
		log.Warn("secondary download aborted", zap.Int64("bytes", written), zap.Error(err))
		return err
	}
	guard.stop()

	if err := sess.End(); err != nil {
		if otaerr.IsKind(err, otaerr.Integrity) {
			return err
		}
		return otaerr.Wrap(otaerr.Integrity, "secondary", "Secondary image validation failed", err)
	}
	if length < 0 {
		hooks.progress(100)
	}
	log.Info("secondary committed", zap.Int64("bytes", written))
	return nil
}

func (w *SecondaryWriter) feed() {
	if w.Watchdog != nil {
		w.Watchdog.Feed()
	}
}
