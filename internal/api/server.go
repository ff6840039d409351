// Package api serves the update REST endpoints and the realtime socket.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/ota"
)

// Updater is the orchestrator surface the handlers use.
type Updater interface {
	CurrentVersion() string
	Enabled() bool
	EnsureFresh(force bool) error
	StartUpdate(target ota.Target) error
	Progress() ota.Progress
	ReleaseInfo() ota.ReleaseView
	PartitionInfo() ota.PartitionInfo
	IsUpdateAvailable() bool
}

type config struct {
	addr     string
	owner    string
	repo     string
	device   string
	realtime http.Handler
	log      *zap.Logger
}

// Option configures a Server.
type Option func(*config)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(c *config) { c.addr = addr }
}

// WithRepository names the release repository reported by /api/ota/info.
func WithRepository(owner, repo string) Option {
	return func(c *config) { c.owner, c.repo = owner, repo }
}

// WithDevice sets the device name reported by /api/health.
func WithDevice(name string) Option {
	return func(c *config) { c.device = name }
}

// WithRealtime mounts h at /ws.
func WithRealtime(h http.Handler) Option {
	return func(c *config) { c.realtime = h }
}

// WithLogger sets the request logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// Server is the agent's HTTP server.
type Server struct {
	*http.Server
}

// NewServer builds the router.
func NewServer(up Updater, opts ...Option) *Server {
	cfg := &config{addr: ":8080", log: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handlers{up: up, cfg: cfg}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(cfg.log))
	router.Use(middleware.Recoverer)

	router.Get("/api/health", h.health)
	router.Route("/api/ota", func(r chi.Router) {
		r.Get("/info", h.info)
		r.Get("/status", h.status)
		r.Get("/partitions", h.partitions)
		r.Post("/update", h.startUpdate)
	})
	if cfg.realtime != nil {
		router.Handle("/ws", cfg.realtime)
	}

	return &Server{
		Server: &http.Server{
			Addr:              cfg.addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
		},
	}
}

func requestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Debug("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int64("duration_ms", time.Since(start).Milliseconds()),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
