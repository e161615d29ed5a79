package depgraph

import (
	"fmt"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

type mark int

const (
	unvisited mark = iota
	inProgress
	done
)

// Graph is the "must be running before" relation over declared services.
// Iteration always follows declaration order so plans are reproducible.
type Graph struct {
	names []string
	deps  map[string][]string
	order []string
}

// New builds a graph and computes the startup order. Unknown dependencies are
// a ConfigError and cycles a CycleError; both are detected before anything starts.
func New(names []string, deps map[string][]string) (*Graph, error) {
	g := &Graph{
		names: append([]string(nil), names...),
		deps:  make(map[string][]string, len(names)),
	}

	known := make(map[string]bool, len(names))
	for _, name := range names {
		if known[name] {
			return nil, errors.NewConfigError(fmt.Sprintf("service %s declared twice", name), nil)
		}
		known[name] = true
	}
	for _, name := range names {
		for _, dep := range deps[name] {
			if !known[dep] {
				return nil, errors.NewConfigError(
					fmt.Sprintf("service %s depends on unknown service %s", name, dep), nil).
					WithContext(errors.ContextService, name)
			}
		}
		g.deps[name] = append([]string(nil), deps[name]...)
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// StartupOrder returns every service exactly once, each after all of its dependencies.
func (g *Graph) StartupOrder() []string {
	order := make([]string, len(g.order))
	copy(order, g.order)
	return order
}

// ShutdownOrder is the reverse of StartupOrder.
func (g *Graph) ShutdownOrder() []string {
	order := g.StartupOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns every service that transitively depends on name, in startup order.
func (g *Graph) Dependents(name string) []string {
	affected := map[string]bool{name: true}
	var dependents []string
	// A dependency always precedes its dependents in g.order, so one pass suffices.
	for _, candidate := range g.order {
		if candidate == name {
			continue
		}
		for _, dep := range g.deps[candidate] {
			if affected[dep] {
				affected[candidate] = true
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents
}

// Plan computes a startup order from a dependency map without keeping the graph.
func Plan(names []string, deps map[string][]string) ([]string, error) {
	g, err := New(names, deps)
	if err != nil {
		return nil, err
	}
	return g.StartupOrder(), nil
}

func (g *Graph) topologicalOrder() ([]string, error) {
	marks := make(map[string]mark, len(g.names))
	order := make([]string, 0, len(g.names))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case inProgress:
			return errors.NewCycleError(name, append(cyclePath(path, name), name))
		}

		marks[name] = inProgress
		path = append(path, name)
		for _, dep := range g.deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range g.names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cyclePath trims the DFS stack to the part that forms the cycle.
func cyclePath(path []string, start string) []string {
	for i, name := range path {
		if name == start {
			return append([]string(nil), path[i:]...)
		}
	}
	return append([]string(nil), path...)
}
