// Package plugin composes the server from independently loadable plugins.
// Plugins are registered once at composition time, ordered by their
// declared dependencies and priority, and driven through bootstrap, seed
// and shutdown passes by the Orchestrator.
package plugin

import (
	"context"
	"fmt"
)

// Plugin is a composed plugin instance. Instances are built once by the
// composition root and held by the Registry for the life of the process.
// Lifecycle behavior is opted into by implementing the hook interfaces below.
type Plugin interface {
	Descriptor() Descriptor
}

// Initializer receives the plugin's merged configuration bag before
// OnPluginBootstrap runs.
type Initializer interface {
	Initialize(cfg *Config) error
}

// PluginBootstrapper runs once, in dependency order, during the bootstrap pass.
type PluginBootstrapper interface {
	OnPluginBootstrap(ctx context.Context) error
}

// PluginDestroyer runs once, in reverse order, during the shutdown pass.
type PluginDestroyer interface {
	OnPluginDestroy(ctx context.Context) error
}

// BasicSeeder populates data every deployment needs.
type BasicSeeder interface {
	OnPluginBasicSeed(ctx context.Context) error
}

// DefaultSeeder populates the default tenant's data.
type DefaultSeeder interface {
	OnPluginDefaultSeed(ctx context.Context) error
}

// RandomSeeder populates synthetic demo data.
type RandomSeeder interface {
	OnPluginRandomSeed(ctx context.Context) error
}

// ApplicationBootstrapper runs after storage is connected and every plugin
// has bootstrapped, before the transport accepts traffic.
type ApplicationBootstrapper interface {
	OnApplicationBootstrap(ctx context.Context, host Host) error
}

// ApplicationShutdowner runs during shutdown, before OnPluginDestroy.
type ApplicationShutdowner interface {
	OnApplicationShutdown(ctx context.Context) error
}

// Host gives application-bootstrap hooks read access to the running composition.
type Host interface {
	Lookup(name string) (Plugin, error)
	ConfigOf(name string) (*Config, error)
	// Descriptors returns the active plugins in bootstrap order.
	Descriptors() []Descriptor
}

// SeedType selects which seed hook a seed pass invokes.
type SeedType string

const (
	SeedBasic   SeedType = "basic"
	SeedDefault SeedType = "default"
	SeedRandom  SeedType = "random"
)

// ParseSeedType validates a seed type name.
func ParseSeedType(s string) (SeedType, error) {
	switch t := SeedType(s); t {
	case SeedBasic, SeedDefault, SeedRandom:
		return t, nil
	default:
		return "", fmt.Errorf("unknown seed type %q", s)
	}
}

// Hook names used in errors, events and metrics.
const (
	HookInitialize           = "Initialize"
	HookPluginBootstrap      = "OnPluginBootstrap"
	HookPluginDestroy        = "OnPluginDestroy"
	HookBasicSeed            = "OnPluginBasicSeed"
	HookDefaultSeed          = "OnPluginDefaultSeed"
	HookRandomSeed           = "OnPluginRandomSeed"
	HookApplicationBootstrap = "OnApplicationBootstrap"
	HookApplicationShutdown  = "OnApplicationShutdown"
)

func (t SeedType) hook() string {
	switch t {
	case SeedBasic:
		return HookBasicSeed
	case SeedDefault:
		return HookDefaultSeed
	default:
		return HookRandomSeed
	}
}

// seedFunc returns the seed hook p implements for t, or nil.
func seedFunc(p Plugin, t SeedType) func(context.Context) error {
	switch t {
	case SeedBasic:
		if s, ok := p.(BasicSeeder); ok {
			return s.OnPluginBasicSeed
		}
	case SeedDefault:
		if s, ok := p.(DefaultSeeder); ok {
			return s.OnPluginDefaultSeed
		}
	case SeedRandom:
		if s, ok := p.(RandomSeeder); ok {
			return s.OnPluginRandomSeed
		}
	}
	return nil
}

type staticPlugin struct {
	d Descriptor
}

func (s staticPlugin) Descriptor() Descriptor { return s.d }

// Static wraps a descriptor as a plugin without lifecycle hooks.
func Static(d Descriptor) Plugin {
	return staticPlugin{d: d}
}
