package workflow

import (
	"fmt"
	"sort"
)

// DependencyEntry is one step as seen by the resolver.
type DependencyEntry struct {
	Name      string
	Order     int
	DependsOn []string
}

// DependencyResolver layers a dependency graph with Kahn's algorithm.
type DependencyResolver struct{}

// Resolve returns the layers of entries by name. Layer 0 holds entries with
// no dependencies; layer k holds entries whose dependencies all sit in layers
// before k. Entries inside a layer are sorted by (Order, Name) so output is
// stable; callers must not give that order any meaning.
func (r *DependencyResolver) Resolve(entries []DependencyEntry) ([][]string, error) {
	index := make(map[string]int, len(entries))
	var dups []string
	for i, e := range entries {
		if _, ok := index[e.Name]; ok {
			dups = append(dups, e.Name)
			continue
		}
		index[e.Name] = i
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, graphError(DuplicateStepName, "step names must be unique", dups...)
	}

	indegree := make(map[string]int, len(entries))
	dependents := make(map[string][]string, len(entries))
	for _, e := range entries {
		seen := make(map[string]struct{}, len(e.DependsOn))
		for _, dep := range e.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, graphError(UnknownDependency,
					fmt.Sprintf("step %q depends on unknown step %q", e.Name, dep), e.Name)
			}
			if dep == e.Name {
				return nil, graphError(CircularDependency, fmt.Sprintf("step %q depends on itself", e.Name), e.Name)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			indegree[e.Name]++
			dependents[dep] = append(dependents[dep], e.Name)
		}
	}

	var current []string
	for _, e := range entries {
		if indegree[e.Name] == 0 {
			current = append(current, e.Name)
		}
	}

	var layers [][]string
	resolved := 0
	for len(current) > 0 {
		r.sortLayer(current, entries, index)
		layers = append(layers, current)
		resolved += len(current)

		var next []string
		for _, name := range current {
			for _, d := range dependents[name] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}

	if resolved < len(entries) {
		var remaining []string
		for _, e := range entries {
			if indegree[e.Name] > 0 {
				remaining = append(remaining, e.Name)
			}
		}
		sort.Strings(remaining)
		return nil, graphError(CircularDependency, "dependency cycle detected", remaining...)
	}
	return layers, nil
}

func (r *DependencyResolver) sortLayer(layer []string, entries []DependencyEntry, index map[string]int) {
	sort.Slice(layer, func(i, j int) bool {
		oi, oj := entries[index[layer[i]]].Order, entries[index[layer[j]]].Order
		if oi != oj {
			return oi < oj
		}
		return layer[i] < layer[j]
	})
}

// ResolveDefinition layers a definition's explicit and implicit dependencies.
func (r *DependencyResolver) ResolveDefinition(def *Definition) ([][]string, error) {
	g, err := Compile(def, CompileOptions{})
	if err != nil {
		return nil, err
	}
	return g.LayerNames(), nil
}
