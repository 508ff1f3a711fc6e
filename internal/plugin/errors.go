package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPluginNotFound    = errors.New("plugin not found")
	ErrDuplicatePlugin   = errors.New("duplicate plugin")
	ErrInvalidDescriptor = errors.New("invalid plugin descriptor")
	ErrCyclicDependency  = errors.New("cyclic plugin dependency")
	ErrMissingDependency = errors.New("missing plugin dependency")
	ErrProtectedPlugin   = errors.New("operation not permitted for plugin")
	ErrHasDependents     = errors.New("plugin has dependents")
	ErrBootstrapFailed   = errors.New("plugin bootstrap failed")
	ErrSeedFailed        = errors.New("plugin seed failed")
	ErrDestroyFailed     = errors.New("plugin destroy failed")
	ErrPassInProgress    = errors.New("lifecycle pass already in progress")
	ErrInvalidPhase      = errors.New("lifecycle pass not allowed in current phase")
	ErrNotBootstrapped   = errors.New("plugins not bootstrapped")
	ErrHookTimeout       = errors.New("plugin hook timed out")
)

// NotFoundError reports a lookup of an unregistered plugin.
type NotFoundError struct {
	Plugin string
}

func NewNotFoundError(name string) *NotFoundError {
	return &NotFoundError{Plugin: name}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin %q not found", e.Plugin)
}

func (e *NotFoundError) Unwrap() error { return ErrPluginNotFound }

// DuplicatePluginError reports a second registration under an existing name.
type DuplicatePluginError struct {
	Plugin string
}

func (e *DuplicatePluginError) Error() string {
	return fmt.Sprintf("plugin %q already registered", e.Plugin)
}

func (e *DuplicatePluginError) Unwrap() error { return ErrDuplicatePlugin }

// CyclicDependencyError names the plugins that participate in a dependency cycle.
type CyclicDependencyError struct {
	Plugins []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic plugin dependency among [%s]", strings.Join(e.Plugins, ", "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// MissingDependencyError reports a dependency that is not registered or is disabled.
type MissingDependencyError struct {
	Plugin     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %q depends on %q which is not available", e.Plugin, e.Dependency)
}

func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// ProtectedPluginViolation reports an operation the plugin's capability flags forbid.
type ProtectedPluginViolation struct {
	Plugin    string
	Operation string
}

func (e *ProtectedPluginViolation) Error() string {
	return fmt.Sprintf("cannot %s plugin %q", e.Operation, e.Plugin)
}

func (e *ProtectedPluginViolation) Unwrap() error { return ErrProtectedPlugin }

// DependentsError reports a disable or remove of a plugin other plugins still
// depend on. It also matches ErrProtectedPlugin.
type DependentsError struct {
	Plugin     string
	Operation  string
	Dependents []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("cannot %s plugin %q: required by [%s]", e.Operation, e.Plugin, strings.Join(e.Dependents, ", "))
}

func (e *DependentsError) Unwrap() []error { return []error{ErrHasDependents, ErrProtectedPlugin} }

// PluginBootstrapFailure wraps the error returned by a bootstrap-phase hook.
type PluginBootstrapFailure struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *PluginBootstrapFailure) Error() string {
	return fmt.Sprintf("plugin %q %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *PluginBootstrapFailure) Unwrap() []error { return []error{ErrBootstrapFailed, e.Err} }

// PluginSeedFailure wraps the error returned by a seed hook.
type PluginSeedFailure struct {
	Plugin   string
	SeedType SeedType
	Err      error
}

func (e *PluginSeedFailure) Error() string {
	return fmt.Sprintf("plugin %q %s seed: %v", e.Plugin, e.SeedType, e.Err)
}

func (e *PluginSeedFailure) Unwrap() []error { return []error{ErrSeedFailed, e.Err} }

// PluginDestroyFailure wraps the error returned by a shutdown-phase hook.
type PluginDestroyFailure struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *PluginDestroyFailure) Error() string {
	return fmt.Sprintf("plugin %q %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *PluginDestroyFailure) Unwrap() []error { return []error{ErrDestroyFailed, e.Err} }

func IsNotFound(err error) bool          { return errors.Is(err, ErrPluginNotFound) }
func IsDuplicate(err error) bool         { return errors.Is(err, ErrDuplicatePlugin) }
func IsCyclicDependency(err error) bool  { return errors.Is(err, ErrCyclicDependency) }
func IsMissingDependency(err error) bool { return errors.Is(err, ErrMissingDependency) }
func IsProtected(err error) bool         { return errors.Is(err, ErrProtectedPlugin) }
func IsHasDependents(err error) bool     { return errors.Is(err, ErrHasDependents) }
func IsBootstrapFailure(err error) bool  { return errors.Is(err, ErrBootstrapFailed) }
func IsSeedFailure(err error) bool       { return errors.Is(err, ErrSeedFailed) }
func IsDestroyFailure(err error) bool    { return errors.Is(err, ErrDestroyFailed) }
