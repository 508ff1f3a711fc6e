package plugin

import (
	"context"
	"time"
)

// Entity is a persistence mapping contributed by a plugin.
type Entity struct {
	Name  string
	Table string
}

// ChangeEvent describes a committed write to an entity.
type ChangeEvent struct {
	Entity     string
	Operation  string // insert|update|delete
	TenantID   string
	RecordID   string
	Payload    map[string]any
	OccurredAt time.Time
}

// Subscriber observes committed changes to the entities it listens to.
type Subscriber interface {
	Name() string
	ListenTo() []string
	AfterChange(ctx context.Context, ev ChangeEvent) error
}

// ChangePublisher dispatches committed changes to subscribers.
type ChangePublisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Extension is an opaque contribution to an outer surface such as the HTTP
// router. Consumers detect what an extension offers by type assertion.
type Extension interface {
	ExtensionName() string
}

// ConfigFactory returns default configuration values for a plugin.
type ConfigFactory func() map[string]any

// Unit is a composition unit: either a plain *Module or a DynamicModule
// wrapping one with runtime options.
type Unit interface {
	base() Unit
}

// Module is a plain composition unit with registration-time metadata.
type Module struct {
	name        string
	entities    []Entity
	subscribers []Subscriber
	extensions  []Extension
	config      []ConfigFactory
}

func (m *Module) base() Unit { return nil }

// Name returns the module name given to NewModule.
func (m *Module) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

// DynamicModule is a parameterized unit whose metadata lives on Base.
type DynamicModule struct {
	Base    Unit
	Options map[string]any
}

func (d DynamicModule) base() Unit { return d.Base }

// ModuleBuilder assembles a Module.
type ModuleBuilder struct {
	m Module
}

// NewModule starts a module builder.
func NewModule(name string) *ModuleBuilder {
	return &ModuleBuilder{m: Module{name: name}}
}

func (b *ModuleBuilder) Entities(entities ...Entity) *ModuleBuilder {
	b.m.entities = append(b.m.entities, entities...)
	return b
}

func (b *ModuleBuilder) Subscribers(subs ...Subscriber) *ModuleBuilder {
	b.m.subscribers = append(b.m.subscribers, subs...)
	return b
}

func (b *ModuleBuilder) Extensions(exts ...Extension) *ModuleBuilder {
	b.m.extensions = append(b.m.extensions, exts...)
	return b
}

func (b *ModuleBuilder) Configuration(factories ...ConfigFactory) *ModuleBuilder {
	b.m.config = append(b.m.config, factories...)
	return b
}

// Build returns the module. The builder may be reused; each call yields an independent copy.
func (b *ModuleBuilder) Build() *Module {
	m := &Module{name: b.m.name}
	m.entities = append([]Entity(nil), b.m.entities...)
	m.subscribers = append([]Subscriber(nil), b.m.subscribers...)
	m.extensions = append([]Extension(nil), b.m.extensions...)
	m.config = append([]ConfigFactory(nil), b.m.config...)
	return m
}

// resolveModule unwraps dynamic modules down to the plain module carrying metadata.
func resolveModule(u Unit) *Module {
	for depth := 0; u != nil && depth < 32; depth++ {
		switch v := u.(type) {
		case *Module:
			return v
		case *DynamicModule:
			if v == nil {
				return nil
			}
		}
		u = u.base()
	}
	return nil
}

// ExtractEntities returns the entities declared by u.
func ExtractEntities(u Unit) []Entity {
	m := resolveModule(u)
	if m == nil {
		return []Entity{}
	}
	return append([]Entity{}, m.entities...)
}

// ExtractSubscribers returns the subscribers declared by u.
func ExtractSubscribers(u Unit) []Subscriber {
	m := resolveModule(u)
	if m == nil {
		return []Subscriber{}
	}
	return append([]Subscriber{}, m.subscribers...)
}

// ExtractExtensions returns the extensions declared by u.
func ExtractExtensions(u Unit) []Extension {
	m := resolveModule(u)
	if m == nil {
		return []Extension{}
	}
	return append([]Extension{}, m.extensions...)
}

// ExtractConfiguration returns the configuration factories declared by u.
func ExtractConfiguration(u Unit) []ConfigFactory {
	m := resolveModule(u)
	if m == nil {
		return []ConfigFactory{}
	}
	return append([]ConfigFactory{}, m.config...)
}

// ExtractOptions merges the options of every dynamic wrapper around u.
// Outer wrappers override inner ones.
func ExtractOptions(u Unit) map[string]any {
	var chain []map[string]any
	for depth := 0; u != nil && depth < 32; depth++ {
		switch v := u.(type) {
		case DynamicModule:
			chain = append(chain, v.Options)
		case *DynamicModule:
			if v == nil {
				u = nil
				continue
			}
			chain = append(chain, v.Options)
		}
		u = u.base()
	}
	out := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		deepMerge(out, chain[i])
	}
	return out
}

// EntitiesFromUnits flattens entities across units in input order.
func EntitiesFromUnits(units []Unit) []Entity {
	out := []Entity{}
	for _, u := range units {
		out = append(out, ExtractEntities(u)...)
	}
	return out
}

// SubscribersFromUnits flattens subscribers across units in input order.
func SubscribersFromUnits(units []Unit) []Subscriber {
	out := []Subscriber{}
	for _, u := range units {
		out = append(out, ExtractSubscribers(u)...)
	}
	return out
}

// ExtensionsFromUnits flattens extensions across units in input order.
func ExtensionsFromUnits(units []Unit) []Extension {
	out := []Extension{}
	for _, u := range units {
		out = append(out, ExtractExtensions(u)...)
	}
	return out
}

// ConfigurationFromUnits flattens configuration factories across units in input order.
func ConfigurationFromUnits(units []Unit) []ConfigFactory {
	out := []ConfigFactory{}
	for _, u := range units {
		out = append(out, ExtractConfiguration(u)...)
	}
	return out
}

func unitsOf(ds []Descriptor) []Unit {
	units := make([]Unit, len(ds))
	for i, d := range ds {
		units[i] = d.Module
	}
	return units
}

// EntitiesFromPlugins flattens the entities of ds in order.
func EntitiesFromPlugins(ds []Descriptor) []Entity {
	return EntitiesFromUnits(unitsOf(ds))
}

// SubscribersFromPlugins flattens the subscribers of ds in order.
func SubscribersFromPlugins(ds []Descriptor) []Subscriber {
	return SubscribersFromUnits(unitsOf(ds))
}

// ExtensionsFromPlugins flattens the extensions of ds in order.
func ExtensionsFromPlugins(ds []Descriptor) []Extension {
	return ExtensionsFromUnits(unitsOf(ds))
}
