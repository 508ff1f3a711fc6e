package plugin

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func TestResolve_CoreBeforeFeatures(t *testing.T) {
	ds := []Descriptor{
		desc("auth", P0),
		desc("tenant", P0),
		desc("organization", P1, "tenant"),
	}

	order, err := Resolve(ds)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := names(order); !equalNames(got, []string{"auth", "tenant", "organization"}) {
		t.Errorf("order = %v, want [auth tenant organization]", got)
	}
}

func TestResolve_CycleNamesParticipants(t *testing.T) {
	ds := []Descriptor{
		desc("a", P0, "b"),
		desc("b", P0, "a"),
	}

	order, err := Resolve(ds)
	if order != nil {
		t.Errorf("order = %v, want nil on cycle", names(order))
	}
	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("Resolve() = %v, want CyclicDependencyError", err)
	}
	if !equalNames(cyc.Plugins, []string{"a", "b"}) {
		t.Errorf("cycle members = %v, want [a b]", cyc.Plugins)
	}
	if !IsCyclicDependency(err) {
		t.Error("IsCyclicDependency = false")
	}
}

func TestResolve_CycleExcludesDownstream(t *testing.T) {
	ds := []Descriptor{
		desc("root", P0),
		desc("x", P0, "y", "root"),
		desc("y", P0, "z"),
		desc("z", P0, "x"),
		desc("tail", P1, "x"),
	}

	_, err := Resolve(ds)
	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("Resolve() = %v, want CyclicDependencyError", err)
	}
	if !equalNames(cyc.Plugins, []string{"x", "y", "z"}) {
		t.Errorf("cycle members = %v, want [x y z]", cyc.Plugins)
	}
}

func TestResolve_SelfLoop(t *testing.T) {
	_, err := Resolve([]Descriptor{desc("solo", P0, "solo")})
	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("Resolve() = %v, want CyclicDependencyError", err)
	}
	if !equalNames(cyc.Plugins, []string{"solo"}) {
		t.Errorf("cycle members = %v, want [solo]", cyc.Plugins)
	}
}

func TestResolve_MissingDependency(t *testing.T) {
	_, err := Resolve([]Descriptor{desc("reporting", P2, "analytics")})
	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("Resolve() = %v, want MissingDependencyError", err)
	}
	if missing.Plugin != "reporting" || missing.Dependency != "analytics" {
		t.Errorf("missing = %+v, want reporting -> analytics", missing)
	}
}

func TestResolve_Empty(t *testing.T) {
	order, err := Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve(nil): %v", err)
	}
	if len(order) != 0 {
		t.Errorf("order = %v, want empty", names(order))
	}
}

func TestResolve_PriorityWithinReadySet(t *testing.T) {
	ds := []Descriptor{
		desc("late", P2),
		desc("early", P0),
		desc("mid", P1),
		desc("early2", P0),
	}
	order, err := Resolve(ds)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := names(order); !equalNames(got, []string{"early", "early2", "mid", "late"}) {
		t.Errorf("order = %v, want [early early2 mid late]", got)
	}
}

// genAcyclic draws descriptors whose dependencies only point at earlier
// registrations, which guarantees an acyclic graph.
func genAcyclic(t *rapid.T) []Descriptor {
	n := rapid.IntRange(0, 12).Draw(t, "n")
	ds := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < i; j++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("dep_%d_%d", i, j)) {
				deps = append(deps, fmt.Sprintf("p%d", j))
			}
		}
		prio := Priority(rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("prio_%d", i)))
		ds[i] = desc(fmt.Sprintf("p%d", i), prio, deps...)
	}
	// Registration order is independent of the dependency direction.
	perm := rapid.Permutation(ds).Draw(t, "registration")
	return perm
}

func TestResolve_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ds := genAcyclic(t)

		order, err := Resolve(ds)
		if err != nil {
			t.Fatalf("acyclic input rejected: %v", err)
		}
		if len(order) != len(ds) {
			t.Fatalf("order has %d plugins, want %d", len(order), len(ds))
		}

		pos := positions(order)
		for _, d := range ds {
			for _, dep := range d.Dependencies {
				if pos[dep] >= pos[d.Name] {
					t.Fatalf("%s placed before its dependency %s", d.Name, dep)
				}
			}
		}

		again, err := Resolve(ds)
		if err != nil {
			t.Fatalf("second resolve failed: %v", err)
		}
		if fmt.Sprint(names(again)) != fmt.Sprint(names(order)) {
			t.Fatalf("resolution not deterministic: %v vs %v", names(order), names(again))
		}
	})
}

func TestResolve_IndependentPluginsSortByPriorityThenRegistration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 15).Draw(t, "n")
		ds := make([]Descriptor, n)
		for i := range ds {
			ds[i] = desc(fmt.Sprintf("p%d", i), Priority(rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("prio_%d", i))))
		}

		order, err := Resolve(ds)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		reg := positions(ds)
		for i := 1; i < len(order); i++ {
			a, b := order[i-1], order[i]
			if a.Priority > b.Priority {
				t.Fatalf("%s (P%d) before %s (P%d)", a.Name, a.Priority, b.Name, b.Priority)
			}
			if a.Priority == b.Priority && reg[a.Name] > reg[b.Name] {
				t.Fatalf("equal priority %s registered after %s but ordered first", a.Name, b.Name)
			}
		}
	})
}

func TestResolve_CycleAlwaysDetected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ds := genAcyclic(t)
		if len(ds) < 2 {
			return
		}
		// Close a cycle between two plugins where one already (transitively) may depend on the other.
		i := rapid.IntRange(0, len(ds)-1).Draw(t, "i")
		j := rapid.IntRange(0, len(ds)-1).Draw(t, "j")
		if i == j {
			return
		}
		ds[i].Dependencies = appendUnique(ds[i].Dependencies, ds[j].Name)
		ds[j].Dependencies = appendUnique(ds[j].Dependencies, ds[i].Name)

		order, err := Resolve(ds)
		if err == nil {
			t.Fatalf("cycle between %s and %s not detected, got %v", ds[i].Name, ds[j].Name, names(order))
		}
		var cyc *CyclicDependencyError
		if !errors.As(err, &cyc) {
			t.Fatalf("unexpected error type: %v", err)
		}
		found := map[string]bool{}
		for _, n := range cyc.Plugins {
			found[n] = true
		}
		if !found[ds[i].Name] || !found[ds[j].Name] {
			t.Fatalf("cycle members %v missing %s or %s", cyc.Plugins, ds[i].Name, ds[j].Name)
		}
	})
}

func positions(ds []Descriptor) map[string]int {
	pos := make(map[string]int, len(ds))
	for i, d := range ds {
		pos[d.Name] = i
	}
	return pos
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(append([]string(nil), list...), v)
}
