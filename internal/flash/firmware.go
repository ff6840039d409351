package flash

import (
	"context"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/otaerr"
)

// FirmwareWriter streams an application image into the inactive OTA slot,
// switches the boot pointer and restarts.
type FirmwareWriter struct {
	Table     Table
	OTA       OTA
	Opener    Opener
	Watchdog  Watchdog
	Restarter Restarter
	Stream    StreamConfig
	Log       *zap.Logger
}

// Apply downloads url into the next update partition. On success it restarts
// through Restarter and only returns if the restarter does.
func (w *FirmwareWriter) Apply(ctx context.Context, url string, hooks Hooks) error {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := w.Stream.withDefaults()

	target, err := w.Table.NextUpdate()
	if err != nil {
		return err
	}
	log.Info("firmware download starting", zap.String("partition", target.Label), zap.Int64("partition_size", target.Size))

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
		return otaerr.New(otaerr.Protocol, "firmware", "Invalid content length")
	}
	if length > target.Size {
		return otaerr.Newf(otaerr.Resource, "firmware", "Firmware too large for partition (%d > %d bytes)", length, target.Size)
	}

	sess, err := w.OTA.Begin(target)
	if err != nil {
		return err
	}

	pt := percentTracker{total: length, last: -1}
	written, err := copyStream(stream.Body, sess, length, cfg, guard, func(n int64) {
		if pct, changed := pt.update(n); changed {
			w.feed()
			hooks.progress(pct)
		}
	})
	if err != nil {
		_ = sess.Abort()
		log.Warn("firmware download aborted", zap.Int64("bytes", written), zap.Int64("expected", length), zap.Error(err))
		return err
	}
	guard.stop()

	if err := sess.End(); err != nil {
		if otaerr.IsKind(err, otaerr.Integrity) {
			return err
		}
		return otaerr.Wrap(otaerr.Integrity, "firmware", "Firmware validation failed", err)
	}
	if err := w.OTA.SetBoot(target); err != nil {
		return otaerr.Wrap(otaerr.Resource, "firmware", "Failed to set boot partition", err)
	}
	log.Info("firmware committed", zap.String("partition", target.Label), zap.Int64("bytes", written))

	if hooks.OnCommitted != nil {
		hooks.OnCommitted()
	}
	w.Restarter.Restart("firmware update to " + target.Label)
	return nil
}

func (w *FirmwareWriter) feed() {
	if w.Watchdog != nil {
		w.Watchdog.Feed()
	}
}
