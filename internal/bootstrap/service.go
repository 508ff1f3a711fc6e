// Package bootstrap sequences server startup and shutdown around the plugin
// orchestrator: storage comes up before any plugin hook runs, the transport
// accepts traffic only after every plugin is bootstrapped, and shutdown
// unwinds in the opposite order.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// Storage is the persistence collaborator.
type Storage interface {
	Connect(ctx context.Context) error
	Migrate(ctx context.Context) error
	RegisterEntities(entities []plugin.Entity) error
	RegisterSubscribers(subs []plugin.Subscriber) error
	Close() error
}

// Transport is the inbound request collaborator.
type Transport interface {
	Configure(host plugin.Host, exts []plugin.Extension) error
	Listen(ctx context.Context) error
	SetReady(ready bool)
	Shutdown(ctx context.Context) error
}

// StateLoader returns persisted enabled flags keyed by plugin name.
type StateLoader interface {
	Load(ctx context.Context) (map[string]bool, error)
}

// Options wires a Service.
type Options struct {
	Registry     *plugin.Registry
	Orchestrator *plugin.Orchestrator
	Storage      Storage
	// Transport may be nil for one-shot commands such as seeding.
	Transport Transport
	// States may be nil; persisted states override PluginStates.
	States StateLoader

	PluginStates map[string]bool
	PluginConfig map[string]map[string]any

	AutoMigrate     bool
	ShutdownTimeout time.Duration
	Logger          *logger.Logger
}

// Service runs the startup and shutdown sequences.
type Service struct {
	opts Options
	log  *logger.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	connected bool
	listening bool
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil || opts.Orchestrator == nil || opts.Storage == nil {
		return nil, errors.New("bootstrap: registry, orchestrator and storage are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Service{opts: opts, log: opts.Logger.WithComponent("bootstrap")}, nil
}

// Ready reports whether Start completed and Stop has not begun.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Start connects storage, bootstraps every plugin and opens the transport.
// On failure everything already brought up is torn down and the original
// error is returned.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("bootstrap: service already started")
	}
	s.mu.Unlock()

	begin := time.Now()
	defer func() {
		if err != nil {
			s.log.WithError(err).Error("startup failed, cleaning up")
			s.cleanup()
		}
	}()

	if err := s.opts.Storage.Connect(ctx); err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	s.setConnected(true)

	if s.opts.AutoMigrate {
		if err := s.opts.Storage.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate storage: %w", err)
		}
	}

	if err := s.applyPluginSettings(ctx); err != nil {
		return err
	}

	order, err := s.opts.Registry.Resolve()
	if err != nil {
		return fmt.Errorf("resolve plugins: %w", err)
	}
	if err := s.opts.Storage.RegisterEntities(plugin.EntitiesFromPlugins(order)); err != nil {
		return fmt.Errorf("register entities: %w", err)
	}
	if err := s.opts.Storage.RegisterSubscribers(plugin.SubscribersFromPlugins(order)); err != nil {
		return fmt.Errorf("register subscribers: %w", err)
	}

	if err := s.opts.Orchestrator.BootstrapPlugins(ctx); err != nil {
		return fmt.Errorf("bootstrap plugins: %w", err)
	}
	if err := s.opts.Orchestrator.BootstrapApplication(ctx); err != nil {
		return fmt.Errorf("bootstrap application: %w", err)
	}

	if t := s.opts.Transport; t != nil {
		exts := plugin.ExtensionsFromPlugins(s.opts.Orchestrator.Order())
		if err := t.Configure(s.opts.Orchestrator.Host(), exts); err != nil {
			return fmt.Errorf("configure transport: %w", err)
		}
		if err := t.Listen(ctx); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
		s.mu.Lock()
		s.listening = true
		s.mu.Unlock()
		t.SetReady(true)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.log.WithField("plugins", len(order)).WithField("duration", time.Since(begin).String()).Info("server started")
	return nil
}

// applyPluginSettings applies configured overrides, then file states, then
// persisted states. Settings naming unknown plugins or forbidden by
// capability flags are logged and skipped.
func (s *Service) applyPluginSettings(ctx context.Context) error {
	reg := s.opts.Registry

	for _, name := range sortedKeys(s.opts.PluginConfig) {
		if err := reg.Configure(name, s.opts.PluginConfig[name]); err != nil {
			if plugin.IsNotFound(err) || plugin.IsProtected(err) {
				s.log.WithError(err).WithField("plugin", name).Warn("ignoring plugin config")
				continue
			}
			return fmt.Errorf("configure plugin %s: %w", name, err)
		}
	}

	states := make(map[string]bool, len(s.opts.PluginStates))
	for name, enabled := range s.opts.PluginStates {
		states[name] = enabled
	}
	if s.opts.States != nil {
		persisted, err := s.opts.States.Load(ctx)
		if err != nil {
			return fmt.Errorf("load plugin states: %w", err)
		}
		for name, enabled := range persisted {
			states[name] = enabled
		}
	}

	failed := reg.ApplyStates(states)
	for _, name := range sortedKeys(failed) {
		s.log.WithError(failed[name]).WithField("plugin", name).Warn("ignoring plugin state")
	}
	return nil
}

// Seed runs a seed pass against the started composition.
func (s *Service) Seed(ctx context.Context, seedType plugin.SeedType) error {
	if !s.Ready() {
		return fmt.Errorf("seed: %w", plugin.ErrNotBootstrapped)
	}
	return s.opts.Orchestrator.Seed(ctx, seedType)
}

// Stop stops listening, shuts plugins down in reverse order and closes
// storage. It is safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info("shutting down")
	return s.teardown(ctx)
}

func (s *Service) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if err := s.teardown(ctx); err != nil {
		s.log.WithError(err).Warn("cleanup after failed startup reported errors")
	}
}

func (s *Service) teardown(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	listening, connected := s.listening, s.connected
	s.listening = false
	s.mu.Unlock()

	if t := s.opts.Transport; t != nil {
		t.SetReady(false)
		if listening {
			if err := t.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop transport: %w", err))
			}
		}
	}

	if err := s.opts.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown plugins: %w", err))
	}

	if connected {
		if err := s.opts.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		s.setConnected(false)
	}
	return errors.Join(errs...)
}

func (s *Service) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Run starts the service and blocks until ctx is done or SIGINT/SIGTERM
// arrives, then stops it. A signal during startup cancels the bootstrap
// cooperatively; that case is a clean exit.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		if ctx.Err() != nil {
			s.log.Info("startup interrupted by shutdown request")
			return nil
		}
		return err
	}

	<-ctx.Done()
	s.log.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
