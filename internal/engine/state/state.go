// Package state defines the plugin lifecycle status and orchestrator pass
// phase shared by the plugin core, the admin API and the event log.
package state

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle status of a single plugin.
type Status int32

const (
	// StatusUnknown indicates a plugin the registry has never seen.
	StatusUnknown Status = iota

	// StatusRegistered indicates the plugin is registered but not bootstrapped.
	StatusRegistered

	// StatusDisabled indicates the plugin is excluded from resolution.
	StatusDisabled

	// StatusBootstrapping indicates the plugin's bootstrap hooks are running.
	StatusBootstrapping

	// StatusActive indicates the plugin completed bootstrap.
	StatusActive

	// StatusFailed indicates a bootstrap or seed hook returned an error.
	StatusFailed

	// StatusDestroying indicates shutdown hooks are running.
	StatusDestroying

	// StatusDestroyed indicates the plugin shut down cleanly.
	StatusDestroyed

	// StatusDestroyFailed indicates a shutdown hook returned an error.
	StatusDestroyFailed
)

var statusNames = map[Status]string{
	StatusUnknown:       "unknown",
	StatusRegistered:    "registered",
	StatusDisabled:      "disabled",
	StatusBootstrapping: "bootstrapping",
	StatusActive:        "active",
	StatusFailed:        "failed",
	StatusDestroying:    "destroying",
	StatusDestroyed:     "destroyed",
	StatusDestroyFailed: "destroy-failed",
}

// String returns the string representation of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", s)
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status. Unknown strings map to StatusUnknown.
func ParseStatus(s string) Status {
	for status, name := range statusNames {
		if name == s {
			return status
		}
	}
	return StatusUnknown
}

// IsTerminal reports whether no further hook will run for the plugin.
func (s Status) IsTerminal() bool {
	return s == StatusDestroyed || s == StatusDestroyFailed
}

// IsActive reports whether the plugin completed bootstrap and is serving.
func (s Status) IsActive() bool {
	return s == StatusActive
}

// CanBootstrap reports whether a bootstrap pass may start the plugin.
func (s Status) CanBootstrap() bool {
	return s == StatusRegistered
}

// CanDestroy reports whether the shutdown pass should run the plugin's hooks.
func (s Status) CanDestroy() bool {
	return s == StatusActive
}

// ValidTransitions defines allowed plugin status transitions.
var ValidTransitions = map[Status][]Status{
	StatusUnknown:       {StatusRegistered},
	StatusRegistered:    {StatusBootstrapping, StatusDisabled},
	StatusDisabled:      {StatusRegistered},
	StatusBootstrapping: {StatusActive, StatusFailed},
	StatusActive:        {StatusDestroying, StatusFailed},
	StatusFailed:        {StatusDestroying},
	StatusDestroying:    {StatusDestroyed, StatusDestroyFailed},
	StatusDestroyed:     {StatusRegistered},
	StatusDestroyFailed: {StatusRegistered},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid status transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Status) TransitionError {
	return TransitionError{From: from, To: to}
}

// Phase is the state of the orchestrator's lifecycle pass.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseBootstrapping
	PhaseRunning
	PhaseShuttingDown
	PhaseStopped
	// PhaseFailed is entered when a bootstrap pass aborts.
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:          "idle",
	PhaseResolving:     "resolving",
	PhaseBootstrapping: "bootstrapping",
	PhaseRunning:       "running",
	PhaseShuttingDown:  "shutting-down",
	PhaseStopped:       "stopped",
	PhaseFailed:        "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", p)
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// InProgress reports whether a pass is currently executing hooks.
func (p Phase) InProgress() bool {
	return p == PhaseResolving || p == PhaseBootstrapping || p == PhaseShuttingDown
}
