package flash

import (
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/otaerr"
)

type fileSession struct {
	store    *Store
	part     Partition
	f        *os.File
	tmp      string
	declared int64
	generic  bool

	written int64
	first   byte
	digest  *xxhash.Digest
	done    bool
}

func newFileSession(s *Store, p Partition, f *os.File, tmp string, declared int64, generic bool) *fileSession {
	return &fileSession{store: s, part: p, f: f, tmp: tmp, declared: declared, generic: generic, digest: xxhash.New()}
}

func (fs *fileSession) Write(p []byte) error {
	fs.store.mu.Lock()
	defer fs.store.mu.Unlock()
	if fs.done {
		return otaerr.New(otaerr.Precondition, "write", "session closed")
	}
	if fs.written+int64(len(p)) > fs.part.Size {
		return otaerr.Newf(otaerr.Resource, "write", "write exceeds partition %s (%d bytes)", fs.part.Label, fs.part.Size)
	}
	if _, err := fs.f.Write(p); err != nil {
		return otaerr.Wrap(otaerr.Resource, "write", "flash write failed", err)
	}
	if fs.written == 0 && len(p) > 0 {
		fs.first = p[0]
	}
	_, _ = fs.digest.Write(p)
	fs.written += int64(len(p))
	return nil
}

// End validates the image and commits it. A validation failure discards the
// image and is reported as an Integrity error.
func (fs *fileSession) End() error {
	fs.store.mu.Lock()
	defer fs.store.mu.Unlock()
	if fs.done {
		return otaerr.New(otaerr.Precondition, "end", "session closed")
	}
	if err := fs.f.Close(); err != nil {
		fs.abortLocked()
		return otaerr.Wrap(otaerr.Resource, "end", "flash write failed", err)
	}
	if err := fs.validate(); err != nil {
		fs.abortLocked()
		return err
	}
	fs.done = true
	fs.store.active = nil
	rec := ImageRecord{
		Size:      fs.written,
		Digest:    fmt.Sprintf("%016x", fs.digest.Sum64()),
		WrittenAt: fs.store.now().UTC(),
	}
	if err := fs.store.commit(fs, rec); err != nil {
		_ = os.Remove(fs.tmp)
		return err
	}
	fs.store.log.Info("image committed",
		zap.String("partition", fs.part.Label),
		zap.Int64("bytes", rec.Size),
		zap.String("digest", rec.Digest))
	return nil
}

func (fs *fileSession) validate() error {
	switch {
	case fs.written == 0:
		return otaerr.New(otaerr.Integrity, "end", "image is empty")
	case fs.declared >= 0 && fs.written != fs.declared:
		return otaerr.Newf(otaerr.Integrity, "end", "image incomplete (%d of %d bytes)", fs.written, fs.declared)
	case fs.part.Kind == KindApp && fs.first != fs.store.magic:
		return otaerr.New(otaerr.Integrity, "end", "Firmware validation failed (bad signature)")
	}
	return nil
}

func (fs *fileSession) Abort() error {
	fs.store.mu.Lock()
	defer fs.store.mu.Unlock()
	fs.abortLocked()
	return nil
}

func (fs *fileSession) abortLocked() {
	if fs.done {
		return
	}
	fs.done = true
	_ = fs.f.Close()
	_ = os.Remove(fs.tmp)
	if fs.store.active == fs {
		fs.store.active = nil
	}
	fs.store.log.Debug("write session aborted", zap.String("partition", fs.part.Label), zap.Int64("written", fs.written))
}
