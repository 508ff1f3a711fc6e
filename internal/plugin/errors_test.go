package plugin

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrors_SentinelsSurviveWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	cases := []struct {
		err   error
		match func(error) bool
		is    error
	}{
		{NewNotFoundError("x"), IsNotFound, ErrPluginNotFound},
		{&DuplicatePluginError{Plugin: "x"}, IsDuplicate, ErrDuplicatePlugin},
		{&CyclicDependencyError{Plugins: []string{"a", "b"}}, IsCyclicDependency, ErrCyclicDependency},
		{&MissingDependencyError{Plugin: "a", Dependency: "b"}, IsMissingDependency, ErrMissingDependency},
		{&ProtectedPluginViolation{Plugin: "tenant", Operation: "remove"}, IsProtected, ErrProtectedPlugin},
		{&DependentsError{Plugin: "analytics", Operation: "disable", Dependents: []string{"reporting"}}, IsHasDependents, ErrHasDependents},
		{&DependentsError{Plugin: "analytics", Operation: "remove", Dependents: []string{"reporting"}}, IsProtected, ErrProtectedPlugin},
		{&PluginBootstrapFailure{Plugin: "a", Hook: HookPluginBootstrap, Err: cause}, IsBootstrapFailure, ErrBootstrapFailed},
		{&PluginSeedFailure{Plugin: "a", SeedType: SeedBasic, Err: cause}, IsSeedFailure, ErrSeedFailed},
		{&PluginDestroyFailure{Plugin: "a", Hook: HookPluginDestroy, Err: cause}, IsDestroyFailure, ErrDestroyFailed},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%T", tc.err), func(t *testing.T) {
			wrapped := fmt.Errorf("start server: %w", tc.err)
			if !tc.match(wrapped) {
				t.Errorf("helper does not match wrapped %v", wrapped)
			}
			if !errors.Is(wrapped, tc.is) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tc.is)
			}
		})
	}
}

func TestErrors_HookFailuresExposeCause(t *testing.T) {
	cause := errors.New("smtp unreachable")
	err := fmt.Errorf("bootstrap: %w", &PluginBootstrapFailure{Plugin: "mailer", Hook: HookPluginBootstrap, Err: cause})
	if !errors.Is(err, cause) {
		t.Errorf("bootstrap failure does not unwrap to its cause")
	}
	if want := `plugin "mailer" OnPluginBootstrap: smtp unreachable`; !strings.Contains(err.Error(), want) {
		t.Errorf("Error() = %q, want it to contain %q", err.Error(), want)
	}

	joined := errors.Join(
		&PluginDestroyFailure{Plugin: "b", Hook: HookPluginDestroy, Err: cause},
		&PluginDestroyFailure{Plugin: "a", Hook: HookApplicationShutdown, Err: errors.New("timeout")},
	)
	if !IsDestroyFailure(joined) {
		t.Errorf("joined destroy failures not recognised")
	}
	if !errors.Is(joined, cause) {
		t.Errorf("joined destroy failures lost the cause")
	}
}

func TestErrors_Messages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ProtectedPluginViolation{Plugin: "tenant", Operation: "disable"}, `cannot disable plugin "tenant"`},
		{&CyclicDependencyError{Plugins: []string{"a", "b"}}, "cyclic plugin dependency among [a, b]"},
		{&MissingDependencyError{Plugin: "reporting", Dependency: "analytics"}, `plugin "reporting" depends on "analytics" which is not available`},
		{&DependentsError{Plugin: "analytics", Operation: "disable", Dependents: []string{"reporting", "billing"}}, `cannot disable plugin "analytics": required by [reporting, billing]`},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}
