package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/events"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/metrics"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/state"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// Pass names used in events and metrics.
const (
	PassBootstrap   = "bootstrap"
	PassApplication = "application"
	PassSeed        = "seed"
	PassShutdown    = "shutdown"
)

type startedPlugin struct {
	name   string
	plugin Plugin
}

// Orchestrator drives registered plugins through their lifecycle hooks.
// Hooks run one at a time; each is awaited before the next starts.
type Orchestrator struct {
	registry    *Registry
	log         *logger.Logger
	events      events.EventLogger
	metrics     metrics.LifecycleRecorder
	hookTimeout time.Duration

	mu           sync.Mutex
	phase        state.Phase
	busy         bool
	pluginsReady bool
	order        []Descriptor
	started      []startedPlugin
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithEventLogger(l events.EventLogger) Option {
	return func(o *Orchestrator) { o.events = l }
}

func WithMetrics(m metrics.LifecycleRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHookTimeout bounds every hook call. Zero disables the bound.
func WithHookTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.hookTimeout = d }
}

// NewOrchestrator creates an orchestrator over registry.
func NewOrchestrator(registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		log:      logger.NewDiscard(),
		events:   events.NoOpLogger{},
		metrics:  metrics.NewNoOpCollector(),
		phase:    state.PhaseIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Phase returns the current pass phase.
func (o *Orchestrator) Phase() state.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Order returns the resolved bootstrap order, empty before resolution.
func (o *Orchestrator) Order() []Descriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Descriptor(nil), o.order...)
}

// Host returns the view handed to application-bootstrap hooks.
func (o *Orchestrator) Host() Host {
	return orchestratorHost{o: o}
}

type orchestratorHost struct {
	o *Orchestrator
}

func (h orchestratorHost) Lookup(name string) (Plugin, error)    { return h.o.registry.Lookup(name) }
func (h orchestratorHost) ConfigOf(name string) (*Config, error) { return h.o.registry.ConfigOf(name) }
func (h orchestratorHost) Descriptors() []Descriptor             { return h.o.Order() }

// begin marks a pass as running if allowed is true for the current phase
// and moves to the phase returned by to. It returns the phase observed
// under the same lock.
func (o *Orchestrator) begin(pass string, allowed func() bool, to func(prev state.Phase) state.Phase) (state.Phase, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.phase
	if o.busy {
		return prev, ErrPassInProgress
	}
	if !allowed() {
		return prev, fmt.Errorf("%w: %s pass in phase %s", ErrInvalidPhase, pass, prev)
	}
	o.busy = true
	o.phase = to(prev)
	return prev, nil
}

func toPhase(p state.Phase) func(state.Phase) state.Phase {
	return func(state.Phase) state.Phase { return p }
}

func keepPhase(p state.Phase) state.Phase { return p }

func (o *Orchestrator) end(phase state.Phase) {
	o.mu.Lock()
	o.busy = false
	o.phase = phase
	o.mu.Unlock()
}

// Bootstrap runs the plugin bootstrap pass followed by application bootstrap.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if err := o.BootstrapPlugins(ctx); err != nil {
		return err
	}
	return o.BootstrapApplication(ctx)
}

// BootstrapPlugins resolves the enabled plugins and runs Initialize and
// OnPluginBootstrap for each in order. The first failure aborts the pass;
// later plugins are not invoked.
func (o *Orchestrator) BootstrapPlugins(ctx context.Context) (err error) {
	if _, err := o.begin(PassBootstrap, func() bool { return o.phase == state.PhaseIdle }, toPhase(state.PhaseResolving)); err != nil {
		return err
	}
	start := time.Now()
	o.passEvent(events.EventPassStarted, PassBootstrap, 0, nil)
	defer func() {
		o.metrics.RecordPass(PassBootstrap, time.Since(start), err)
		if err != nil {
			o.end(state.PhaseFailed)
			o.passEvent(events.EventPassFailed, PassBootstrap, time.Since(start), err)
			return
		}
		o.end(state.PhaseBootstrapping)
		o.passEvent(events.EventPassCompleted, PassBootstrap, time.Since(start), nil)
	}()

	order, err := o.registry.Resolve()
	if err != nil {
		o.recordResolveFailure(err)
		return fmt.Errorf("resolve plugins: %w", err)
	}

	o.mu.Lock()
	o.order = order
	o.phase = state.PhaseBootstrapping
	o.mu.Unlock()

	names := make([]string, len(order))
	for i, d := range order {
		names[i] = d.Name
	}
	o.log.WithField("order", names).Info("bootstrapping plugins")

	for _, d := range order {
		if cerr := ctx.Err(); cerr != nil {
			return &PluginBootstrapFailure{Plugin: d.Name, Hook: HookPluginBootstrap, Err: cerr}
		}
		p, err := o.bootstrapOne(ctx, d)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.started = append(o.started, startedPlugin{name: d.Name, plugin: p})
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.pluginsReady = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) bootstrapOne(ctx context.Context, d Descriptor) (Plugin, error) {
	name := d.Name
	p, err := o.registry.Lookup(name)
	if err != nil {
		return nil, &PluginBootstrapFailure{Plugin: name, Hook: HookInitialize, Err: err}
	}
	o.transition(name, state.StatusBootstrapping)

	fail := func(hook string, err error) (Plugin, error) {
		o.transition(name, state.StatusFailed)
		return nil, &PluginBootstrapFailure{Plugin: name, Hook: hook, Err: err}
	}

	cfg, err := o.registry.initConfig(name)
	if err != nil {
		return fail(HookInitialize, err)
	}
	if i, ok := p.(Initializer); ok {
		err := o.runHook(ctx, PassBootstrap, name, HookInitialize, func(context.Context) error {
			return i.Initialize(cfg)
		})
		if err != nil {
			return fail(HookInitialize, err)
		}
	}
	if b, ok := p.(PluginBootstrapper); ok {
		if err := o.runHook(ctx, PassBootstrap, name, HookPluginBootstrap, b.OnPluginBootstrap); err != nil {
			return fail(HookPluginBootstrap, err)
		}
	}

	o.transition(name, state.StatusActive)
	return p, nil
}

// BootstrapApplication runs OnApplicationBootstrap in bootstrap order. It
// must follow a successful BootstrapPlugins; on success the phase is running.
func (o *Orchestrator) BootstrapApplication(ctx context.Context) (err error) {
	allowed := func() bool { return o.pluginsReady && o.phase == state.PhaseBootstrapping }
	if _, err := o.begin(PassApplication, allowed, toPhase(state.PhaseBootstrapping)); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		o.metrics.RecordPass(PassApplication, time.Since(start), err)
		if err != nil {
			o.end(state.PhaseFailed)
			o.passEvent(events.EventPassFailed, PassApplication, time.Since(start), err)
			return
		}
		o.end(state.PhaseRunning)
		o.passEvent(events.EventPassCompleted, PassApplication, time.Since(start), nil)
	}()

	host := o.Host()
	for _, sp := range o.startedPlugins() {
		if cerr := ctx.Err(); cerr != nil {
			return &PluginBootstrapFailure{Plugin: sp.name, Hook: HookApplicationBootstrap, Err: cerr}
		}
		a, ok := sp.plugin.(ApplicationBootstrapper)
		if !ok {
			continue
		}
		err := o.runHook(ctx, PassApplication, sp.name, HookApplicationBootstrap, func(ctx context.Context) error {
			return a.OnApplicationBootstrap(ctx, host)
		})
		if err != nil {
			o.transition(sp.name, state.StatusFailed)
			return &PluginBootstrapFailure{Plugin: sp.name, Hook: HookApplicationBootstrap, Err: err}
		}
	}
	o.log.Info("application bootstrap complete")
	return nil
}

// Seed runs the seed hook of seedType for every bootstrapped plugin in
// bootstrap order, stopping at the first failure.
func (o *Orchestrator) Seed(ctx context.Context, seedType SeedType) (err error) {
	if _, err := ParseSeedType(string(seedType)); err != nil {
		return err
	}
	allowed := func() bool {
		return o.pluginsReady && (o.phase == state.PhaseBootstrapping || o.phase == state.PhaseRunning)
	}
	prev, err := o.begin(PassSeed, allowed, keepPhase)
	if err != nil {
		if errors.Is(err, ErrInvalidPhase) && !o.ready() {
			return fmt.Errorf("%w: %v", ErrNotBootstrapped, err)
		}
		return err
	}
	start := time.Now()
	defer func() {
		o.metrics.RecordPass(PassSeed, time.Since(start), err)
		o.end(prev)
		if err != nil {
			o.passEvent(events.EventPassFailed, PassSeed, time.Since(start), err)
			return
		}
		o.passEvent(events.EventPassCompleted, PassSeed, time.Since(start), nil)
	}()

	hook := seedType.hook()
	for _, sp := range o.startedPlugins() {
		if cerr := ctx.Err(); cerr != nil {
			return &PluginSeedFailure{Plugin: sp.name, SeedType: seedType, Err: cerr}
		}
		fn := seedFunc(sp.plugin, seedType)
		if fn == nil {
			continue
		}
		if err := o.runHook(ctx, PassSeed, sp.name, hook, fn); err != nil {
			return &PluginSeedFailure{Plugin: sp.name, SeedType: seedType, Err: err}
		}
	}
	o.log.WithField("seed", string(seedType)).Info("seed pass complete")
	return nil
}

// Shutdown runs OnApplicationShutdown then OnPluginDestroy for every
// bootstrapped plugin in reverse bootstrap order. Failures are logged and
// collected; the pass always visits every plugin. The returned error joins
// all PluginDestroyFailures.
func (o *Orchestrator) Shutdown(ctx context.Context) (err error) {
	o.mu.Lock()
	if !o.busy && (o.phase == state.PhaseIdle || o.phase == state.PhaseStopped) {
		o.phase = state.PhaseStopped
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if _, err := o.begin(PassShutdown, func() bool { return true }, toPhase(state.PhaseShuttingDown)); err != nil {
		return err
	}
	start := time.Now()
	o.passEvent(events.EventPassStarted, PassShutdown, 0, nil)
	defer func() {
		o.metrics.RecordPass(PassShutdown, time.Since(start), err)
		o.end(state.PhaseStopped)
		typ := events.EventPassCompleted
		if err != nil {
			typ = events.EventPassFailed
		}
		o.passEvent(typ, PassShutdown, time.Since(start), err)
	}()

	started := o.startedPlugins()
	var failures []error
	for i := len(started) - 1; i >= 0; i-- {
		sp := started[i]
		o.transition(sp.name, state.StatusDestroying)
		failed := false

		if s, ok := sp.plugin.(ApplicationShutdowner); ok {
			if herr := o.runHook(ctx, PassShutdown, sp.name, HookApplicationShutdown, s.OnApplicationShutdown); herr != nil {
				failures = append(failures, &PluginDestroyFailure{Plugin: sp.name, Hook: HookApplicationShutdown, Err: herr})
				failed = true
			}
		}
		if d, ok := sp.plugin.(PluginDestroyer); ok {
			if herr := o.runHook(ctx, PassShutdown, sp.name, HookPluginDestroy, d.OnPluginDestroy); herr != nil {
				failures = append(failures, &PluginDestroyFailure{Plugin: sp.name, Hook: HookPluginDestroy, Err: herr})
				failed = true
			}
		}

		if cfg, cerr := o.registry.ConfigOf(sp.name); cerr == nil {
			cfg.Clear()
		}
		if failed {
			o.transition(sp.name, state.StatusDestroyFailed)
		} else {
			o.transition(sp.name, state.StatusDestroyed)
		}
	}

	o.mu.Lock()
	o.started = nil
	o.pluginsReady = false
	o.mu.Unlock()

	if len(failures) > 0 {
		o.log.WithField("failures", len(failures)).Warn("plugin shutdown completed with errors")
		return errors.Join(failures...)
	}
	o.log.Info("plugin shutdown complete")
	return nil
}

func (o *Orchestrator) ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pluginsReady
}

func (o *Orchestrator) startedPlugins() []startedPlugin {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]startedPlugin(nil), o.started...)
}

// runHook invokes fn with logging, events, metrics and the optional timeout.
func (o *Orchestrator) runHook(ctx context.Context, pass, plugin, hook string, fn func(context.Context) error) error {
	log := o.log.WithField("plugin", plugin).WithField("hook", hook)
	events.NewEvent(events.EventHookStarted).Plugin(plugin).Hook(hook).Pass(pass).
		Severity(events.SeverityDebug).LogToWithContext(ctx, o.events)

	start := time.Now()
	err := o.call(ctx, fn)
	elapsed := time.Since(start)

	o.metrics.RecordHook(plugin, hook, elapsed, err)
	if err != nil {
		if pass == PassShutdown {
			log.WithError(err).Warn("plugin hook failed")
		} else {
			log.WithError(err).Error("plugin hook failed")
		}
		events.NewEvent(events.EventHookFailed).Plugin(plugin).Hook(hook).Pass(pass).
			Duration(elapsed).ErrorFrom(err).LogToWithContext(ctx, o.events)
		return err
	}
	log.WithField("duration", elapsed.String()).Debug("plugin hook completed")
	events.NewEvent(events.EventHookSucceeded).Plugin(plugin).Hook(hook).Pass(pass).
		Duration(elapsed).LogToWithContext(ctx, o.events)
	return nil
}

func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	if o.hookTimeout <= 0 {
		return safeCall(ctx, fn)
	}

	hctx, cancel := context.WithTimeout(ctx, o.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- safeCall(hctx, fn) }()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrHookTimeout, o.hookTimeout)
		}
		return ctx.Err()
	}
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) transition(name string, to state.Status) {
	if err := o.registry.setStatus(name, to); err != nil {
		o.log.WithField("plugin", name).WithError(err).Debug("status not updated")
		return
	}
	severity := events.SeverityDebug
	if to == state.StatusFailed || to == state.StatusDestroyFailed {
		severity = events.SeverityWarning
	}
	events.NewEvent(events.EventPluginStatusChanged).Plugin(name).Status(to).
		Severity(severity).LogTo(o.events)
}

func (o *Orchestrator) recordResolveFailure(err error) {
	var cyc *CyclicDependencyError
	var missing *MissingDependencyError
	switch {
	case errors.As(err, &cyc):
		o.metrics.RecordDependencyCycle()
		b := events.NewEvent(events.EventDependencyCycle).ErrorFrom(err)
		for i, name := range cyc.Plugins {
			b.Metadata(fmt.Sprintf("plugin_%d", i), name)
		}
		b.LogTo(o.events)
	case errors.As(err, &missing):
		o.metrics.RecordDependencyMissing()
		events.NewEvent(events.EventDependencyMissing).Plugin(missing.Plugin).
			Metadata("dependency", missing.Dependency).ErrorFrom(err).LogTo(o.events)
	}
	o.log.WithError(err).Error("plugin resolution failed")
}

func (o *Orchestrator) passEvent(typ events.EventType, pass string, d time.Duration, err error) {
	events.NewEvent(typ).Pass(pass).Duration(d).ErrorFrom(err).LogTo(o.events)
}
