// Package ota orchestrates release checks and firmware updates: it admits or
// rejects update requests, runs the update task, coordinates collaborators
// that must release memory, and publishes progress.
package ota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/flash"
	"github.com/probestation/probe-agent/internal/otaerr"
	"github.com/probestation/probe-agent/internal/update"
)

// Writer streams one image from a URL into flash.
type Writer interface {
	Apply(ctx context.Context, url string, hooks flash.Hooks) error
}

// Resolver turns an asset URL into its final, non-redirecting URL.
type Resolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// Memory reports free memory in bytes.
type Memory interface {
	FreeMemory() uint64
	MinFreeMemory() uint64
}

// ModeSetter is a collaborator that releases memory while an update runs.
// SetOTAMode must be idempotent, non-blocking and safe to call from any
// goroutine.
type ModeSetter interface {
	SetOTAMode(enabled bool)
}

// Settler is implemented by collaborators that need a longer (or shorter)
// pause than Options.HookSettleDelay after their mode changes.
type Settler interface {
	SettleDelay() time.Duration
}

// Options are the read-only inputs and timings of a Manager.
type Options struct {
	CurrentVersion string
	UpdatesEnabled bool
	MinFreeMemory  uint64
	Assets         update.AssetNames

	AutoCheckInterval time.Duration
	BootCheckDelay    time.Duration

	// AcceptDelay lets the response acknowledging a start drain before
	// collaborators are torn down.
	AcceptDelay     time.Duration
	HookSettleDelay time.Duration
	PhaseGap        time.Duration
	RebootDelay     time.Duration
}

// Deps are the components a Manager drives.
type Deps struct {
	Source    update.Source
	Cache     *update.Cache
	Table     flash.Table
	Firmware  Writer
	Secondary Writer
	// Resolver is optional; without it writers receive asset URLs as-is.
	Resolver  Resolver
	Memory    Memory
	Restarter flash.Restarter
	Hooks     []ModeSetter
	FlushLogs func()
	Log       *zap.Logger
}

// ReleaseView is the externally visible part of the cached release.
type ReleaseView struct {
	Tag               string    `json:"tag" yaml:"tag"`
	Name              string    `json:"name" yaml:"name"`
	Notes             string    `json:"notes" yaml:"notes"`
	HasFirmwareAsset  bool      `json:"hasFirmwareAsset" yaml:"has_firmware_asset"`
	HasSecondaryAsset bool      `json:"hasSecondaryAsset" yaml:"has_secondary_asset"`
	FetchedAt         time.Time `json:"fetchedAt" yaml:"fetched_at"`
}

// PartitionInfo is computed on demand from the partition table.
type PartitionInfo struct {
	FirmwarePartitionSize  int64  `json:"firmwarePartitionSize" yaml:"firmware_partition_size"`
	SecondaryPartitionSize int64  `json:"secondaryPartitionSize" yaml:"secondary_partition_size"`
	CurrentImageSize       int64  `json:"currentImageSize" yaml:"current_image_size"`
	FreeHeap               uint64 `json:"freeHeap" yaml:"free_heap"`
	MinFreeHeap            uint64 `json:"minFreeHeap" yaml:"min_free_heap"`
}

// Manager is the update orchestrator.
type Manager struct {
	ctx     context.Context
	opts    Options
	deps    Deps
	log     *zap.Logger
	cache   *update.Cache
	checker *update.Checker

	// admit serialises admission decisions of EnsureFresh and StartUpdate.
	admit    sync.Mutex
	progress *progressBox
	updating atomic.Bool
	enabled  atomic.Bool
	wg       sync.WaitGroup

	events  chan Event
	dropped atomic.Int64

	// nextCheck is owned by the Tick caller.
	nextCheck time.Time
}

// NewManager wires a Manager. ctx bounds every background task it starts.
func NewManager(ctx context.Context, opts Options, deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	cache := deps.Cache
	if cache == nil {
		cache = update.NewCache(update.DefaultTTL)
	}
	if opts.Assets.Firmware == "" || opts.Assets.Secondary == "" {
		opts.Assets = update.DefaultAssetNames
	}
	m := &Manager{
		ctx:      ctx,
		opts:     opts,
		deps:     deps,
		log:      log,
		cache:    cache,
		progress: newProgressBox(),
		events:   make(chan Event, 64),
	}
	m.enabled.Store(opts.UpdatesEnabled)
	m.checker = update.NewChecker(deps.Source, cache, checkObserver{m}, log.Named("checker"))
	return m
}

// Events delivers state, progress and release notifications in order. There
// must be a single consumer; events are dropped while its buffer is full.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) publish(p Progress) {
	m.emit(StateChanged{Progress: m.progress.set(p)})
}

// CurrentVersion returns the running firmware version.
func (m *Manager) CurrentVersion() string { return m.opts.CurrentVersion }

// Enabled reports the updates-enabled flag.
func (m *Manager) Enabled() bool { return m.enabled.Load() }


// Progress returns a snapshot of the current progress.
func (m *Manager) Progress() Progress { return m.progress.load() }

// ReleaseInfo returns the cached release.
func (m *Manager) ReleaseInfo() ReleaseView {
	return viewOf(m.cache.Snapshot())
}

func viewOf(info update.ReleaseInfo) ReleaseView {
	return ReleaseView{
		Tag:               info.Tag,
		Name:              info.Name,
		Notes:             info.Notes,
		HasFirmwareAsset:  info.HasFirmware(),
		HasSecondaryAsset: info.HasSecondary(),
		FetchedAt:         info.FetchedAt,
	}
}

// IsUpdateAvailable reports whether the cached release is numerically newer
// than the running version.
func (m *Manager) IsUpdateAvailable() bool {
	info := m.cache.Snapshot()
	return !info.Empty() && update.IsNewerVersion(m.opts.CurrentVersion, info.Tag)
}

// PartitionInfo reads sizes from the partition table and samples memory.
func (m *Manager) PartitionInfo() PartitionInfo {
	var pi PartitionInfo
	if m.deps.Table != nil {
		if p, err := m.deps.Table.NextUpdate(); err == nil {
			pi.FirmwarePartitionSize = p.Size
		}
		if p, err := m.deps.Table.Data(); err == nil {
			pi.SecondaryPartitionSize = p.Size
		}
		if p, err := m.deps.Table.Running(); err == nil {
			pi.CurrentImageSize = p.ImageSize
			if pi.CurrentImageSize == 0 {
				pi.CurrentImageSize = p.Size
			}
		}
	}
	if m.deps.Memory != nil {
		pi.FreeHeap = m.deps.Memory.FreeMemory()
		pi.MinFreeHeap = m.deps.Memory.MinFreeMemory()
	}
	return pi
}

// EnsureFresh refreshes the release cache in the background when it is stale
// or force is set. It is refused while an update runs and is a no-op while a
// check runs.
func (m *Manager) EnsureFresh(force bool) error {
	m.admit.Lock()
	defer m.admit.Unlock()
	if !m.Enabled() {
		return otaerr.New(otaerr.Precondition, "check", "OTA disabled")
	}
	if m.updating.Load() || m.Progress().State.Updating() {
		return otaerr.New(otaerr.Busy, "check", "OTA busy")
	}
	return m.checker.EnsureFresh(m.ctx, force)
}

// StartUpdate validates the request without any network I/O and, when
// accepted, starts the update task and returns immediately.
func (m *Manager) StartUpdate(target Target) error {
	m.admit.Lock()
	defer m.admit.Unlock()

	if !m.Enabled() {
		return otaerr.New(otaerr.Precondition, "start", "OTA disabled")
	}
	if target != TargetFirmware && target != TargetSecondary && target != TargetBoth {
		return otaerr.Newf(otaerr.Precondition, "start", "invalid update target %d", int(target))
	}
	state := m.Progress().State
	switch {
	case state == StateChecking || m.checker.Running():
		return otaerr.New(otaerr.Busy, "start", "Checking for updates, please wait")
	case state.Updating() || m.updating.Load():
		return otaerr.New(otaerr.Busy, "start", "OTA already in progress")
	}

	info := m.cache.Snapshot()
	if err := m.preflight(info, target); err != nil {
		m.log.Info("update rejected", zap.Stringer("target", target), zap.String("reason", otaerr.Message(err)))
		return err
	}

	first := StateUpdatingFirmware
	if target.Secondary() {
		first = StateUpdatingSecondary
	}
	m.updating.Store(true)
	m.publish(Progress{State: first, Target: target, Message: "Starting update..."})
	m.log.Info("update accepted", zap.Stringer("target", target), zap.String("tag", info.Tag))

	m.wg.Add(1)
	go m.run(info, target)
	return nil
}

func (m *Manager) preflight(info update.ReleaseInfo, target Target) error {
	if info.Empty() {
		return otaerr.New(otaerr.Precondition, "start", "Update info not ready. Check for updates first.")
	}
	if target.Firmware() && !info.HasFirmware() {
		return otaerr.Newf(otaerr.Precondition, "start", "Release missing %s asset", m.opts.Assets.Firmware)
	}
	if target.Secondary() && !info.HasSecondary() {
		return otaerr.Newf(otaerr.Precondition, "start", "Release missing %s asset", m.opts.Assets.Secondary)
	}
	if update.SameVersion(m.opts.CurrentVersion, info.Tag) {
		return otaerr.New(otaerr.Precondition, "start", "Already up to date")
	}
	if m.deps.Table == nil {
		return flash.ErrNoUpdatePartition
	}
	var app, data flash.Partition
	var err error
	if target.Firmware() {
		if app, err = m.deps.Table.NextUpdate(); err != nil {
			return err
		}
	}
	if target.Secondary() {
		if data, err = m.deps.Table.Data(); err != nil {
			return err
		}
	}
	if target.Firmware() && info.FirmwareSize > app.Size {
		return tooLarge(m.opts.Assets.Firmware, info.FirmwareSize, app)
	}
	if target.Secondary() && info.SecondarySize > data.Size {
		return tooLarge(m.opts.Assets.Secondary, info.SecondarySize, data)
	}
	if m.deps.Memory != nil {
		if free := m.deps.Memory.FreeMemory(); free < m.opts.MinFreeMemory {
			return otaerr.Newf(otaerr.Resource, "start", "Not enough memory for OTA (need %dKB, have %dKB)",
				m.opts.MinFreeMemory/1000, free/1000)
		}
	}
	return nil
}

func tooLarge(asset string, size int64, p flash.Partition) error {
	return otaerr.Newf(otaerr.Resource, "start", "%s (%d bytes) exceeds partition %s (%d bytes)",
		asset, size, p.Label, p.Size)
}

// run is the update task.
func (m *Manager) run(info update.ReleaseInfo, target Target) {
	defer m.wg.Done()
	log := m.log.With(zap.Stringer("target", target), zap.String("tag", info.Tag))

	m.sleep(m.opts.AcceptDelay)
	m.setOTAMode(true)

	if target.Secondary() {
		if err := m.phase(StateUpdatingSecondary, target, m.deps.Secondary, info.SecondaryURL); err != nil {
			m.fail(target, "Spiffs update failed", err)
			return
		}
		log.Info("secondary phase complete")
		if target.Firmware() {
			m.sleep(m.opts.PhaseGap)
		}
	}

	if target.Firmware() {
		if err := m.phase(StateUpdatingFirmware, target, m.deps.Firmware, info.FirmwareURL); err != nil {
			m.fail(target, "Firmware update failed", err)
			return
		}
		// The firmware writer restarts on success; reaching this point means
		// the restarter returned.
		m.updating.Store(false)
		return
	}

	m.beginReboot(target)
	if m.deps.Restarter != nil {
		m.deps.Restarter.Restart("secondary update")
	}
	m.updating.Store(false)
}

func (m *Manager) phase(state State, target Target, w Writer, url string) error {
	label := m.opts.Assets.Firmware
	if state == StateUpdatingSecondary {
		label = m.opts.Assets.Secondary
	}
	m.publish(Progress{State: state, Target: target, Message: "Downloading " + label + "..."})
	if w == nil {
		return otaerr.Newf(otaerr.Precondition, "update", "no writer for %s", label)
	}

	final := url
	if m.deps.Resolver != nil {
		resolved, err := m.deps.Resolver.Resolve(m.ctx, url)
		if err != nil {
			return err
		}
		final = resolved
	}

	return w.Apply(m.ctx, final, flash.Hooks{
		OnProgress: func(pct int) {
			next, changed := m.progress.update(func(p *Progress) bool {
				if p.State != state || p.Percent == pct {
					return false
				}
				p.Percent = pct
				p.Message = "Writing " + label
				return true
			})
			if changed {
				m.emit(ProgressChanged{Progress: next})
			}
		},
		OnCommitted: func() { m.beginReboot(target) },
	})
}

func (m *Manager) beginReboot(target Target) {
	m.publish(Progress{State: StateRebooting, Target: target, Percent: 100, Message: "Update complete. Rebooting..."})
	m.log.Info("update complete, rebooting")
	if m.deps.FlushLogs != nil {
		m.deps.FlushLogs()
	}
	m.sleep(m.opts.RebootDelay)
}

func (m *Manager) fail(target Target, msg string, err error) {
	m.log.Error("update failed", zap.Stringer("target", target), zap.String("message", msg), zap.Error(err))
	percent := m.Progress().Percent
	m.publish(Progress{State: StateError, Target: target, Percent: percent, Message: msg, Error: err.Error()})
	m.setOTAMode(false)
	m.updating.Store(false)
}

// SetHooks replaces the update-mode collaborators. Collaborators that read
// from the manager can only be built after it, so they are attached here;
// call it before serving requests.
func (m *Manager) SetHooks(hooks ...ModeSetter) {
	m.admit.Lock()
	defer m.admit.Unlock()
	m.deps.Hooks = hooks
}

func (m *Manager) setOTAMode(enabled bool) {
	for _, h := range m.deps.Hooks {
		h.SetOTAMode(enabled)
		m.sleep(m.settleFor(h))
	}
}

func (m *Manager) settleFor(h ModeSetter) time.Duration {
	if s, ok := h.(Settler); ok {
		return s.SettleDelay()
	}
	return m.opts.HookSettleDelay
}

func (m *Manager) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
	case <-t.C:
	}
}

// Tick runs the periodic check timer. It must be called from a single
// goroutine; it never blocks and never starts an update.
func (m *Manager) Tick(now time.Time) {
	if m.deps.Memory != nil {
		m.deps.Memory.FreeMemory()
	}
	if !m.Enabled() {
		return
	}
	if m.nextCheck.IsZero() {
		m.nextCheck = now.Add(m.opts.BootCheckDelay)
		return
	}
	if now.Before(m.nextCheck) || m.Progress().State.Busy() {
		return
	}
	m.nextCheck = now.Add(m.opts.AutoCheckInterval)
	if err := m.EnsureFresh(true); err != nil {
		m.log.Debug("periodic check skipped", zap.Error(err))
	}
}

// Run calls Tick every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	m.Tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Tick(now)
		}
	}
}

// Wait blocks until background checks and update runs finish.
func (m *Manager) Wait() {
	m.wg.Wait()
	m.checker.Wait()
}

// checkObserver publishes checker transitions without exporting the
// callbacks on Manager.
type checkObserver struct{ m *Manager }

func (o checkObserver) CheckStarted() {
	o.m.publish(Progress{State: StateChecking, Message: "Checking GitHub releases..."})
}

func (o checkObserver) CheckSucceeded(info update.ReleaseInfo) {
	o.m.emit(ReleaseFetched{Release: viewOf(info)})
	o.m.publish(Progress{State: StateReady, Message: "Update info ready"})
}

func (o checkObserver) CheckFailed(err error) {
	o.m.publish(Progress{State: StateError, Message: "Failed to fetch release", Error: err.Error()})
}
