// Package httpapi is the HTTP transport: the admin API for plugins and
// lifecycle events, health and metrics endpoints, and the mount point for
// routes contributed by plugin extensions.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/events"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/metrics"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// PluginAdmin is the registry surface the admin API manages.
type PluginAdmin interface {
	Infos() []plugin.Info
	Info(name string) (plugin.Info, error)
	Enable(name string) error
	Disable(name string) error
	Configure(name string, overrides map[string]any) error
	Remove(name string) error
}

// StateSaver persists enable/disable decisions.
type StateSaver interface {
	Save(ctx context.Context, name string, enabled bool) error
}

// RouteRegistrar is implemented by plugin extensions that serve HTTP
// routes. Routes are registered on the /api subrouter.
type RouteRegistrar interface {
	plugin.Extension
	RegisterRoutes(r *mux.Router)
}

// Options configures a Server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimit is requests per second per client address; zero disables it.
	RateLimit float64
	RateBurst int
	// RateLimitIdle is how long an idle client's limiter is kept.
	RateLimitIdle time.Duration

	Plugins PluginAdmin
	States  StateSaver
	Events  events.EventLogger
	Metrics *metrics.Collector
	Logger  *logger.Logger

	// ReadinessChecks run in addition to the bootstrap gate.
	ReadinessChecks map[string]healthcheck.Check
}

// Server serves the admin API and plugin routes.
type Server struct {
	opts   Options
	router *mux.Router
	api    *mux.Router
	health healthcheck.Handler
	log    *logger.Logger
	ready  atomic.Bool

	mu         sync.Mutex
	host       plugin.Host
	configured bool
	httpServer *http.Server
	listenAddr string

	limiter      *RateLimiter
	streamCtx    context.Context
	cancelStream context.CancelFunc
}

const defaultRateLimitIdle = 5 * time.Minute

// New builds the router with admin, health and metrics routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}
	if opts.Events == nil {
		opts.Events = events.NoOpLogger{}
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		health: healthcheck.NewHandler(),
		log:    opts.Logger.WithComponent("http"),
	}
	s.streamCtx, s.cancelStream = context.WithCancel(context.Background())

	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	s.health.AddReadinessCheck("bootstrap", func() error {
		if !s.ready.Load() {
			return errors.New("plugins not bootstrapped")
		}
		return nil
	})
	for name, check := range opts.ReadinessChecks {
		s.health.AddReadinessCheck(name, check)
	}

	var recorder metrics.HTTPRecorder = metrics.NewNoOpCollector()
	if opts.Metrics != nil {
		recorder = opts.Metrics
		s.router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.PathPrefix("/healthz/").Handler(http.StripPrefix("/healthz", s.health))

	s.api = s.router.PathPrefix("/api").Subrouter()
	s.api.Use(LoggingMiddleware(s.log), MetricsMiddleware(recorder), TenantMiddleware)
	if opts.RateLimit > 0 {
		idle := opts.RateLimitIdle
		if idle <= 0 {
			idle = defaultRateLimitIdle
		}
		s.limiter = NewRateLimiter(opts.RateLimit, opts.RateBurst, s.log)
		s.limiter.StartCleanup(s.streamCtx, idle, idle)
		s.api.Use(s.limiter.Handler)
	}
	s.registerAdminRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// SetReady opens or closes the readiness gate.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Ready reports the readiness gate.
func (s *Server) Ready() bool { return s.ready.Load() }

// Configure mounts routes from extensions implementing RouteRegistrar and
// keeps host for ordering the plugin listing. It may be called once.
func (s *Server) Configure(host plugin.Host, exts []plugin.Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured {
		return errors.New("transport already configured")
	}
	s.host = host
	mounted := 0
	for _, ext := range exts {
		r, ok := ext.(RouteRegistrar)
		if !ok {
			continue
		}
		r.RegisterRoutes(s.api)
		mounted++
		s.log.WithField("extension", ext.ExtensionName()).Debug("mounted extension routes")
	}
	s.configured = true
	s.log.WithField("extensions", mounted).Info("transport configured")
	return nil
}

// Listen binds the address and serves in the background. It returns once
// the listener is bound.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already listening")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.httpServer = srv
	s.listenAddr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	s.log.WithField("addr", s.listenAddr).Info("http server listening")
	return nil
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Shutdown closes the readiness gate, ends event streams and limiter
// cleanup, and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	s.cancelStream()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) bootOrder() []plugin.Descriptor {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == nil {
		return nil
	}
	return host.Descriptors()
}
