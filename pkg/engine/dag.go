package engine

import (
	"errors"
	"fmt"
	"sort"
)

// Graph is the static dependency graph of a registry. The install walk does
// not need it; it exists so a catalog can be checked before any host is
// contacted.
type Graph struct {
	// adjacency maps a resource to the resources it depends on.
	adjacency map[string][]string

	// order preserves registration order for deterministic output.
	order []string
}

// BuildGraph indexes every registered resource and its dependencies.
func (r *Registry) BuildGraph() *Graph {
	g := &Graph{
		adjacency: make(map[string][]string, len(r.order)),
		order:     r.Names(),
	}
	for _, name := range r.order {
		g.adjacency[name] = r.resources[name].Dependencies()
	}
	return g
}

// Validate reports every dependency that names an unregistered resource and
// the first dependency cycle found.
func (r *Registry) Validate() error {
	g := r.BuildGraph()
	errs := g.unknownDependencies()
	if cycle := g.detectCycle(); cycle != nil {
		errs = append(errs, NewCyclicDependencyError(cycle))
	}
	return errors.Join(errs...)
}

// InstallOrder returns names expanded with their transitive dependencies in
// the order a single pass installs them: dependencies first, each resource
// once.
func (r *Registry) InstallOrder(names []string) ([]string, error) {
	g := r.BuildGraph()
	out := make([]string, 0)
	done := make(map[string]bool)
	stack := make([]string, 0)

	var visit func(name string) error
	visit = func(name string) error {
		if _, ok := g.adjacency[name]; !ok {
			return NewUnknownResourceError(name)
		}
		for i, n := range stack {
			if n == name {
				return NewCyclicDependencyError(append(append([]string{}, stack[i:]...), name))
			}
		}
		if done[name] {
			return nil
		}
		stack = append(stack, name)
		for _, dep := range g.adjacency[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		done[name] = true
		out = append(out, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Dependents returns, for each resource, the resources that directly depend
// on it. Names in each list are sorted.
func (g *Graph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g.order))
	for _, name := range g.order {
		for _, dep := range g.adjacency[name] {
			out[dep] = append(out[dep], name)
		}
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

func (g *Graph) unknownDependencies() []error {
	errs := make([]error, 0)
	for _, name := range g.order {
		for _, dep := range g.adjacency[name] {
			if _, ok := g.adjacency[dep]; !ok {
				errs = append(errs, NewConfigurationError(
					fmt.Sprintf("resource %s depends on unknown resource %s", name, dep),
					ErrUnknownResource,
				).WithResource(name))
			}
		}
	}
	return errs
}

// detectCycle runs a depth-first search and returns the first cycle as a
// path that starts and ends with the same name.
func (g *Graph) detectCycle() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range g.adjacency[id] {
			if _, ok := g.adjacency[dep]; !ok {
				continue
			}
			if !visited[dep] {
				if cycle := walk(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				for i, n := range path {
					if n == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := walk(id, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
