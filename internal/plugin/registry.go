package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/events"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/metrics"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/state"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// entry holds a registered plugin and its runtime bookkeeping.
type entry struct {
	plugin    Plugin
	desc      Descriptor
	config    *Config
	overrides map[string]any
	enabled   bool
	status    state.Status
	seq       int
}

// Info is a point-in-time view of a registered plugin.
type Info struct {
	Descriptor Descriptor     `json:"descriptor"`
	Status     state.Status   `json:"status"`
	Enabled    bool           `json:"enabled"`
	Config     map[string]any `json:"config"`
}

// Registry is the authoritative set of composed plugins, keyed by name.
// Registration order is recorded and used as the final ordering tie-break.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	seq     int

	log     *logger.Logger
	events  events.EventLogger
	metrics metrics.LifecycleRecorder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryLogger(log *logger.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func WithRegistryEvents(l events.EventLogger) RegistryOption {
	return func(r *Registry) { r.events = l }
}

func WithRegistryMetrics(m metrics.LifecycleRecorder) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		log:     logger.NewDiscard(),
		events:  events.NoOpLogger{},
		metrics: metrics.NewNoOpCollector(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a plugin at composition time.
func (r *Registry) Register(p Plugin) error {
	return r.add(p, events.EventPluginRegistered)
}

// Install adds a plugin after composition. The descriptor must be installable.
func (r *Registry) Install(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidDescriptor)
	}
	d := p.Descriptor()
	if !d.Installable {
		return &ProtectedPluginViolation{Plugin: d.Name, Operation: "install"}
	}
	return r.add(p, events.EventPluginInstalled)
}

func (r *Registry) add(p Plugin, evType events.EventType) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidDescriptor)
	}
	d := p.Descriptor()
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.entries[d.Name]; exists {
		r.mu.Unlock()
		return &DuplicatePluginError{Plugin: d.Name}
	}
	r.seq++
	r.entries[d.Name] = &entry{
		plugin:  p,
		desc:    d,
		config:  NewConfig(),
		enabled: true,
		status:  state.StatusRegistered,
		seq:     r.seq,
	}
	r.order = append(r.order, d.Name)
	count := len(r.order)
	r.mu.Unlock()

	r.metrics.RecordRegisteredPlugins(count)
	r.metrics.RecordPluginStatus(d.Name, int(state.StatusRegistered))
	r.log.WithField("plugin", d.Name).WithField("version", d.Version).Debug("plugin registered")
	events.NewEvent(evType).Plugin(d.Name).Status(state.StatusRegistered).LogTo(r.events)
	return nil
}

// Update replaces the instance of an updatable plugin, keeping its config and status.
func (r *Registry) Update(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidDescriptor)
	}
	d := p.Descriptor()
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	e, ok := r.entries[d.Name]
	if !ok {
		r.mu.Unlock()
		return NewNotFoundError(d.Name)
	}
	if !e.desc.Updatable {
		r.mu.Unlock()
		return &ProtectedPluginViolation{Plugin: d.Name, Operation: "update"}
	}
	previous := e.desc.Version
	e.plugin = p
	e.desc = d
	r.mu.Unlock()

	r.log.WithField("plugin", d.Name).Infof("plugin updated %s -> %s", previous, d.Version)
	events.NewEvent(events.EventPluginUpdated).Plugin(d.Name).
		Metadata("from", previous).Metadata("to", d.Version).LogTo(r.events)
	return nil
}

// Remove uninstalls a plugin. Only uninstallable, unprotected plugins may be removed.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return NewNotFoundError(name)
	}
	if e.desc.Protected || !e.desc.Uninstallable {
		r.mu.Unlock()
		return &ProtectedPluginViolation{Plugin: name, Operation: "remove"}
	}
	if deps := r.dependentsLocked(name, false); len(deps) > 0 {
		r.mu.Unlock()
		return &DependentsError{Plugin: name, Operation: "remove", Dependents: deps}
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	count := len(r.order)
	r.mu.Unlock()

	r.metrics.RecordRegisteredPlugins(count)
	r.log.WithField("plugin", name).Info("plugin removed")
	events.NewEvent(events.EventPluginRemoved).Plugin(name).LogTo(r.events)
	return nil
}

// Disable excludes a plugin from the next resolution. Protected plugins cannot be disabled.
func (r *Registry) Disable(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return NewNotFoundError(name)
	}
	if e.desc.Protected {
		r.mu.Unlock()
		return &ProtectedPluginViolation{Plugin: name, Operation: "disable"}
	}
	if deps := r.dependentsLocked(name, true); len(deps) > 0 {
		r.mu.Unlock()
		return &DependentsError{Plugin: name, Operation: "disable", Dependents: deps}
	}
	e.enabled = false
	if e.status == state.StatusRegistered {
		e.status = state.StatusDisabled
	}
	status := e.status
	r.mu.Unlock()

	r.metrics.RecordPluginStatus(name, int(status))
	r.log.WithField("plugin", name).Info("plugin disabled")
	events.NewEvent(events.EventPluginDisabled).Plugin(name).Status(status).LogTo(r.events)
	return nil
}

// ApplyStates enables and disables plugins in bulk. Enables run first, then
// disables repeat until no further plugin can be disabled, so a plugin and
// its dependents may be disabled together in any order. Settings that could
// not be applied are returned keyed by plugin name.
func (r *Registry) ApplyStates(states map[string]bool) map[string]error {
	failed := make(map[string]error)
	var pending []string
	for _, name := range sortedNames(states) {
		if !states[name] {
			pending = append(pending, name)
			continue
		}
		if err := r.Enable(name); err != nil {
			failed[name] = err
		}
	}
	for len(pending) > 0 {
		var retry []string
		for _, name := range pending {
			err := r.Disable(name)
			switch {
			case err == nil:
				delete(failed, name)
			case IsHasDependents(err):
				failed[name] = err
				retry = append(retry, name)
			default:
				failed[name] = err
			}
		}
		if len(retry) == len(pending) {
			break
		}
		pending = retry
	}
	return failed
}

// dependentsLocked lists, in registration order, the plugins that depend on
// name. With enabledOnly, disabled dependents are ignored. r.mu must be held.
func (r *Registry) dependentsLocked(name string, enabledOnly bool) []string {
	var out []string
	for _, n := range r.order {
		e := r.entries[n]
		if n == name || (enabledOnly && !e.enabled) {
			continue
		}
		if dependsOn(e.desc, name) {
			out = append(out, n)
		}
	}
	return out
}

func sortedNames(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Enable re-includes a disabled plugin in resolution.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return NewNotFoundError(name)
	}
	e.enabled = true
	if e.status == state.StatusDisabled {
		e.status = state.StatusRegistered
	}
	status := e.status
	r.mu.Unlock()

	r.metrics.RecordPluginStatus(name, int(status))
	r.log.WithField("plugin", name).Info("plugin enabled")
	events.NewEvent(events.EventPluginEnabled).Plugin(name).Status(status).LogTo(r.events)
	return nil
}

// Configure stores caller overrides applied when the plugin's config is
// initialized. For an active plugin the overrides are merged into the live bag.
func (r *Registry) Configure(name string, overrides map[string]any) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return NewNotFoundError(name)
	}
	if !e.desc.Configurable {
		r.mu.Unlock()
		return &ProtectedPluginViolation{Plugin: name, Operation: "configure"}
	}
	if e.overrides == nil {
		e.overrides = map[string]any{}
	}
	deepMerge(e.overrides, overrides)
	live := e.status == state.StatusActive
	cfg := e.config
	r.mu.Unlock()

	if live {
		if err := cfg.Merge(overrides); err != nil {
			return fmt.Errorf("configure %s: %w", name, err)
		}
	}
	r.log.WithField("plugin", name).Info("plugin configured")
	events.NewEvent(events.EventPluginConfigured).Plugin(name).LogTo(r.events)
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, NewNotFoundError(name)
	}
	return e.desc, nil
}

// Lookup returns the plugin instance registered under name.
func (r *Registry) Lookup(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, NewNotFoundError(name)
	}
	return e.plugin, nil
}

// ConfigOf returns the configuration bag of a plugin.
func (r *Registry) ConfigOf(name string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, NewNotFoundError(name)
	}
	return e.config, nil
}

// All returns every registered descriptor in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Snapshot returns the enabled descriptors in registration order.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		if e := r.entries[name]; e.enabled {
			out = append(out, e.desc)
		}
	}
	return out
}

// Resolve orders the enabled plugins for bootstrap.
func (r *Registry) Resolve() ([]Descriptor, error) {
	return Resolve(r.Snapshot())
}

// Infos returns a view of every plugin in registration order.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	out := make([]Info, 0, len(names))
	for _, name := range names {
		if info, err := r.Info(name); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Info returns a view of one plugin.
func (r *Registry) Info(name string) (Info, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.RUnlock()
		return Info{}, NewNotFoundError(name)
	}
	info := Info{Descriptor: e.desc, Status: e.status, Enabled: e.enabled}
	cfg := e.config
	r.mu.RUnlock()

	info.Config = cfg.Values()
	return info, nil
}

// Status returns the lifecycle status of a plugin, or StatusUnknown.
func (r *Registry) Status(name string) state.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.status
	}
	return state.StatusUnknown
}

// Enabled reports whether a registered plugin takes part in resolution.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.enabled
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// setStatus moves a plugin to status; invalid transitions are rejected.
func (r *Registry) setStatus(name string, to state.Status) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return NewNotFoundError(name)
	}
	if e.status != to && !state.CanTransition(e.status, to) {
		from := e.status
		r.mu.Unlock()
		return state.NewTransitionError(from, to)
	}
	e.status = to
	r.mu.Unlock()

	r.metrics.RecordPluginStatus(name, int(to))
	return nil
}

// initConfig populates the bag from module defaults, dynamic options and overrides.
func (r *Registry) initConfig(name string) (*Config, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.RUnlock()
		return nil, NewNotFoundError(name)
	}
	cfg := e.config
	module := e.desc.Module
	overrides := map[string]any{}
	deepMerge(overrides, e.overrides)
	r.mu.RUnlock()

	if err := cfg.initialize(ExtractConfiguration(module), ExtractOptions(module), overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}
