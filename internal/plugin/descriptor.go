package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Type classifies a plugin as platform infrastructure or optional feature.
type Type string

const (
	TypeSystem  Type = "SYSTEM"
	TypeFeature Type = "FEATURE"
)

// Priority is a load tier. Lower values load earlier when dependencies allow.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

// Endpoint describes one HTTP operation a plugin exposes.
type Endpoint struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Summary string `json:"summary,omitempty"`
}

// Descriptor is the immutable declaration of a plugin.
type Descriptor struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version"`
	Type        Type     `json:"type"`
	Priority    Priority `json:"priority"`

	// Protected plugins cannot be disabled, removed or uninstalled.
	Protected     bool `json:"isProtected"`
	Configurable  bool `json:"isConfigurable"`
	Installable   bool `json:"isInstallable"`
	Uninstallable bool `json:"isUninstallable"`
	Updatable     bool `json:"isUpdatable"`

	// Dependencies must complete bootstrap before this plugin.
	Dependencies []string `json:"dependencies,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`

	// Module carries the plugin's entities, subscribers, extensions and config factories.
	Module Unit       `json:"-"`
	API    []Endpoint `json:"api,omitempty"`
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate checks the descriptor can be registered. A dependency on itself
// is accepted here and reported by Resolve as a cycle.
func (d Descriptor) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q must be lower-case alphanumeric", ErrInvalidDescriptor, d.Name)
	}
	switch d.Type {
	case TypeSystem, TypeFeature:
	default:
		return fmt.Errorf("%w: plugin %q has unknown type %q", ErrInvalidDescriptor, d.Name, d.Type)
	}
	if d.Priority < 0 {
		return fmt.Errorf("%w: plugin %q has negative priority", ErrInvalidDescriptor, d.Name)
	}
	seen := make(map[string]struct{}, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("%w: plugin %q has an empty dependency", ErrInvalidDescriptor, d.Name)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("%w: plugin %q lists dependency %q twice", ErrInvalidDescriptor, d.Name, dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// Entities returns the persistence entities contributed by the plugin.
func (d Descriptor) Entities() []Entity { return ExtractEntities(d.Module) }

// Subscribers returns the data-change subscribers contributed by the plugin.
func (d Descriptor) Subscribers() []Subscriber { return ExtractSubscribers(d.Module) }

// Extensions returns the extensions contributed by the plugin.
func (d Descriptor) Extensions() []Extension { return ExtractExtensions(d.Module) }

// Title returns DisplayName, falling back to Name.
func (d Descriptor) Title() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// MarshalJSON adds entity table names to the serialized descriptor.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	type plain Descriptor
	entities := d.Entities()
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	return json.Marshal(struct {
		plain
		Entities []string `json:"entities"`
	}{plain: plain(d), Entities: names})
}
