package update

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source produces the latest release descriptor.
type Source interface {
	FetchLatest(ctx context.Context) (ReleaseInfo, error)
}

// Observer is told about check lifecycle transitions. CheckStarted runs on
// the caller's goroutine before EnsureFresh returns; the others run on the
// background task.
type Observer interface {
	CheckStarted()
	CheckSucceeded(ReleaseInfo)
	CheckFailed(error)
}

// Checker keeps the release cache fresh using at most one background fetch
// at a time.
type Checker struct {
	source   Source
	cache    *Cache
	observer Observer
	timeout  time.Duration
	log      *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewChecker wires a checker. observer may be nil.
func NewChecker(source Source, cache *Cache, observer Observer, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		source:   source,
		cache:    cache,
		observer: observer,
		timeout:  2 * time.Minute,
		log:      log,
	}
}

// EnsureFresh starts a background fetch unless the cache is fresh (and force
// is false) or a fetch is already running. It never blocks on I/O. ctx bounds
// the background fetch and must outlive the call.
func (c *Checker) EnsureFresh(ctx context.Context, force bool) error {
	if !force && c.cache.Fresh() {
		return nil
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	if c.observer != nil {
		c.observer.CheckStarted()
	}
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Running reports whether a fetch is in flight.
func (c *Checker) Running() bool { return c.running.Load() }

// Wait blocks until any in-flight fetch finishes.
func (c *Checker) Wait() { c.wg.Wait() }

func (c *Checker) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	info, err := c.source.FetchLatest(ctx)
	if err != nil {
		c.log.Warn("release check failed", zap.Error(err))
		if c.observer != nil {
			c.observer.CheckFailed(err)
		}
	} else {
		c.cache.Store(info)
		c.log.Info("release check complete",
			zap.String("tag", info.Tag),
			zap.Bool("firmware", info.HasFirmware()),
			zap.Bool("secondary", info.HasSecondary()))
		if c.observer != nil {
			c.observer.CheckSucceeded(info)
		}
	}
	c.running.Store(false)
	c.wg.Done()
}
