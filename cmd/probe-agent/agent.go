package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/api"
	"github.com/probestation/probe-agent/internal/config"
	"github.com/probestation/probe-agent/internal/discovery"
	"github.com/probestation/probe-agent/internal/display"
	"github.com/probestation/probe-agent/internal/fetch"
	"github.com/probestation/probe-agent/internal/flash"
	"github.com/probestation/probe-agent/internal/logging"
	"github.com/probestation/probe-agent/internal/metrics"
	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/realtime"
	"github.com/probestation/probe-agent/internal/system"
	"github.com/probestation/probe-agent/internal/update"
)

// tickInterval paces the periodic check timer and memory sampling.
const tickInterval = time.Second

// agent is everything `serve` runs.
type agent struct {
	log      *zap.Logger
	store    *flash.Store
	manager  *ota.Manager
	hub      *realtime.Hub
	server   *api.Server
	display  *display.Display
	adv      *discovery.Advertiser
	watchdog *system.Watchdog
	closers  []io.Closer
}

// buildAgent wires the update subsystem from cfg. ctx bounds every
// background task the manager starts.
func buildAgent(ctx context.Context, cfg config.Config, version string, log *zap.Logger) (*agent, error) {
	log = logging.OrNop(log)
	store, err := flash.Open(cfg.FlashDir, log.Named("flash"))
	if err != nil {
		return nil, err
	}

	var tlsConf *tls.Config
	if cfg.Update.InsecureTLS {
		tlsConf = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab hosts
	}

	dl := fetch.NewDownloader(log.Named("fetch"))
	dl.Timeout = cfg.Update.HTTPTimeout
	dl.MaxRetries = cfg.Update.MaxRetries
	dl.RetryDelay = cfg.Update.RetryDelay
	dl.RateLimitDelay = cfg.Update.RateLimitDelay
	dl.TLSConfig = tlsConf

	assets := update.AssetNames{Firmware: cfg.GitHub.FirmwareAsset, Secondary: cfg.GitHub.SecondaryAsset}
	source := &update.GitHubSource{
		URL:      cfg.ReleaseURL(),
		MaxBytes: cfg.Update.MaxReleaseBytes,
		Assets:   assets,
		Getter:   dl,
		Log:      log.Named("release"),
	}

	opener := &fetch.Opener{HeaderTimeout: cfg.Update.HTTPTimeout, TLSConfig: tlsConf}
	stream := flash.StreamConfig{ChunkSize: cfg.Update.ChunkSize, StallTimeout: cfg.Update.StallTimeout}
	wd := system.NewWatchdog(log.Named("watchdog"))
	restarter := &system.Restarter{
		Unit:     cfg.Restart.Unit,
		Command:  cfg.Restart.Command,
		ExitCode: cfg.Restart.ExitCode,
		Log:      log.Named("restart"),
		Flush:    logging.Sync,
	}

	a := &agent{log: log, store: store, watchdog: wd}

	deps := ota.Deps{
		Source: source,
		Cache:  update.NewCache(cfg.Update.ReleaseTTL),
		Table:  store,
		Firmware: &flash.FirmwareWriter{
			Table:     store,
			OTA:       store,
			Opener:    opener,
			Watchdog:  wd,
			Restarter: restarter,
			Stream:    stream,
			Log:       log.Named("firmware"),
		},
		Secondary: &flash.SecondaryWriter{
			Updater:  store,
			Opener:   opener,
			Watchdog: wd,
			Stream:   stream,
			Log:      log.Named("spiffs"),
		},
		Memory:    metrics.New(),
		Restarter: restarter,
		FlushLogs: logging.Sync,
		Log:       log.Named("ota"),
	}
	if cfg.Update.ResolveRedirects {
		r := fetch.NewResolver(log.Named("resolve"))
		r.MaxHops = cfg.Update.MaxRedirects
		r.HeadTimeout = cfg.Update.HeadTimeout
		r.TLSConfig = tlsConf
		deps.Resolver = r
	}

	// hooks are attached after the manager exists since they read from it
	a.manager = ota.NewManager(ctx, ota.Options{
		CurrentVersion:    version,
		UpdatesEnabled:    cfg.UpdatesEnabled,
		MinFreeMemory:     cfg.Update.MinFreeMemory,
		Assets:            assets,
		AutoCheckInterval: cfg.Update.AutoCheckInterval,
		BootCheckDelay:    cfg.Update.BootCheckDelay,
		AcceptDelay:       cfg.Update.AcceptDelay,
		HookSettleDelay:   cfg.Update.HookSettleDelay,
		PhaseGap:          cfg.Update.PhaseGap,
		RebootDelay:       cfg.Update.RebootDelay,
	}, deps)

	a.hub = realtime.NewHub(a.manager, log.Named("ws"))
	hooks := []ota.ModeSetter{a.hub}

	if cfg.Display.Enabled {
		out, closer, err := displayOutput(cfg.Display.Output)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
		a.display = display.New(out, a.manager, cfg.DeviceName, cfg.Display.Interval, log.Named("display"))
		a.display.Settle = cfg.Display.SettleDelay
	}

	if cfg.MDNS.Enabled {
		port, err := listenPort(cfg.Listen)
		if err != nil {
			return nil, err
		}
		a.adv = &discovery.Advertiser{
			Instance: cfg.MDNS.Instance,
			Port:     port,
			Text:     []string{"version=" + version, "device=" + cfg.DeviceName},
			Log:      log.Named("mdns"),
		}
		hooks = append(hooks, a.adv)
	}
	// display last; it has the longest settle
	if a.display != nil {
		hooks = append(hooks, a.display)
	}
	a.manager.SetHooks(hooks...)

	a.server = api.NewServer(a.manager,
		api.WithAddr(cfg.Listen),
		api.WithRepository(cfg.GitHub.Owner, cfg.GitHub.Repo),
		api.WithDevice(cfg.DeviceName),
		api.WithRealtime(a.hub),
		api.WithLogger(log.Named("api")),
	)
	return a, nil
}

func displayOutput(target string) (io.Writer, io.Closer, error) {
	if target == "" || target == "stdout" {
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open display output: %w", err)
	}
	return f, f, nil
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("invalid listen port %q", port)
	}
	return n, nil
}

// run serves until ctx ends or the HTTP server fails.
func (a *agent) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	a.log.Info("agent listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("version", a.manager.CurrentVersion()),
		zap.Bool("updates_enabled", a.manager.Enabled()),
		zap.String("boot", a.store.Boot()),
	)

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if a.adv != nil {
		if err := a.adv.Start(); err != nil {
			a.log.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}

	wg.Add(3)
	go func() { defer wg.Done(); a.pumpEvents(ctx) }()
	go func() { defer wg.Done(); a.manager.Run(ctx, tickInterval) }()
	go func() { defer wg.Done(); a.watchdog.Run(ctx) }()
	if a.display != nil {
		wg.Add(1)
		go func() { defer wg.Done(); a.display.Run(ctx) }()
	}
	a.watchdog.Ready()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
	}

	a.log.Info("agent stopping")
	a.watchdog.Stopping()
	if a.adv != nil {
		a.adv.Stop()
	}
	a.hub.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if serr := a.server.Shutdown(shutdownCtx); serr != nil {
		a.log.Warn("HTTP shutdown", zap.Error(serr))
	}
	cancel()
	wg.Wait()
	a.manager.Wait()
	for _, c := range a.closers {
		_ = c.Close()
	}
	return err
}

// pumpEvents is the single consumer of the manager's events.
func (a *agent) pumpEvents(ctx context.Context) {
	events := a.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if sc, ok := ev.(ota.StateChanged); ok {
				a.log.Info("state changed",
					zap.Stringer("state", sc.Progress.State),
					zap.Stringer("target", sc.Progress.Target),
					zap.String("message", sc.Progress.Message),
					zap.String("err", sc.Progress.Error),
				)
			}
			a.hub.Publish(ev)
		}
	}
}
