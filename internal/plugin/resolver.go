package plugin

import (
	"container/heap"
	"sort"
)

// Resolve returns ds in bootstrap order. ds must be in registration order.
//
// Dependencies always precede their dependents. Among plugins that become
// ready at the same time, lower Priority goes first and registration order
// breaks remaining ties. A cycle yields a CyclicDependencyError naming the
// plugins on it; no partial order is returned.
func Resolve(ds []Descriptor) ([]Descriptor, error) {
	n := len(ds)
	index := make(map[string]int, n)
	for i, d := range ds {
		if _, dup := index[d.Name]; dup {
			return nil, &DuplicatePluginError{Plugin: d.Name}
		}
		index[d.Name] = i
	}

	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, d := range ds {
		for _, dep := range d.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, &MissingDependencyError{Plugin: d.Name, Dependency: dep}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := &readyQueue{ds: ds}
	for i := range ds {
		if indegree[i] == 0 {
			ready.items = append(ready.items, i)
		}
	}
	heap.Init(ready)

	order := make([]Descriptor, 0, n)
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, ds[i])
		for _, k := range dependents[i] {
			indegree[k]--
			if indegree[k] == 0 {
				heap.Push(ready, k)
			}
		}
	}

	if len(order) != n {
		return nil, &CyclicDependencyError{Plugins: cycleMembers(ds, index, indegree)}
	}
	return order, nil
}

// readyQueue is a min-heap of descriptor indexes keyed by (Priority, index).
type readyQueue struct {
	ds    []Descriptor
	items []int
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(a, b int) bool {
	ia, ib := q.items[a], q.items[b]
	if pa, pb := q.ds[ia].Priority, q.ds[ib].Priority; pa != pb {
		return pa < pb
	}
	return ia < ib
}

func (q *readyQueue) Swap(a, b int) { q.items[a], q.items[b] = q.items[b], q.items[a] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(int)) }

func (q *readyQueue) Pop() any {
	last := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	return last
}

// cycleMembers returns the names of unresolved plugins that lie on a cycle,
// i.e. members of a strongly connected component larger than one node or
// with a self-edge. Plugins merely downstream of a cycle are excluded.
func cycleMembers(ds []Descriptor, index map[string]int, indegree []int) []string {
	n := len(ds)
	pending := make([]bool, n)
	for i := range ds {
		pending[i] = indegree[i] > 0
	}

	var (
		counter int
		stack   []int
		onStack = make([]bool, n)
		low     = make([]int, n)
		num     = make([]int, n) // 0 = unvisited
		members []int
	)

	var visit func(v int)
	visit = func(v int) {
		counter++
		num[v], low[v] = counter, counter
		stack = append(stack, v)
		onStack[v] = true

		for _, dep := range ds[v].Dependencies {
			w := index[dep]
			if !pending[w] {
				continue
			}
			if num[w] == 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], num[w])
			}
		}

		if low[v] != num[v] {
			return
		}
		var component []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || dependsOn(ds[v], ds[v].Name) {
			members = append(members, component...)
		}
	}

	for i := range ds {
		if pending[i] && num[i] == 0 {
			visit(i)
		}
	}

	sort.Ints(members)
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = ds[m].Name
	}
	return names
}

func dependsOn(d Descriptor, name string) bool {
	for _, dep := range d.Dependencies {
		if dep == name {
			return true
		}
	}
	return false
}
