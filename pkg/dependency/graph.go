package dependency

import (
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// Graph is an ordering graph over action ids. Iteration always follows the
// id order the graph was built with, so every derived ordering is stable.
type Graph struct {
	order      []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
	// external holds dependencies on ids outside a subgraph. They are never
	// layered, only reported by DependenciesOf.
	external map[string][]string
}

// NewGraph builds a graph. Edges naming ids outside ids are ignored.
func NewGraph(ids []string, edges []contracts.Edge) *Graph {
	g := &Graph{
		order:      append([]string(nil), ids...),
		index:      make(map[string]int, len(ids)),
		deps:       make(map[string][]string, len(ids)),
		dependents: make(map[string][]string, len(ids)),
	}
	for i, id := range ids {
		g.index[id] = i
	}
	seen := make(map[[2]string]bool, len(edges))
	for _, e := range edges {
		if _, ok := g.index[e.From]; !ok {
			continue
		}
		if _, ok := g.index[e.To]; !ok {
			continue
		}
		k := [2]string{e.From, e.To}
		if seen[k] {
			continue
		}
		seen[k] = true
		g.deps[e.To] = append(g.deps[e.To], e.From)
		g.dependents[e.From] = append(g.dependents[e.From], e.To)
	}
	return g
}

// IDs returns the node ids in build order.
func (g *Graph) IDs() []string { return append([]string(nil), g.order...) }

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// DependenciesOf returns the direct dependencies of id, including those a
// subgraph cut off.
func (g *Graph) DependenciesOf(id string) []string {
	out := append([]string(nil), g.deps[id]...)
	return append(out, g.external[id]...)
}

// Ancestors returns every id the given ids transitively depend on, excluding
// the ids themselves unless they are reachable from another root.
func (g *Graph) Ancestors(ids ...string) map[string]bool {
	return g.walk(g.deps, ids)
}

// Descendants returns every id that transitively depends on the given ids.
func (g *Graph) Descendants(ids ...string) map[string]bool {
	return g.walk(g.dependents, ids)
}

func (g *Graph) walk(adj map[string][]string, roots []string) map[string]bool {
	out := make(map[string]bool)
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if !out[next] {
				out[next] = true
				stack = append(stack, next)
			}
		}
	}
	return out
}

// Cycle returns one dependency cycle as a closed path (first == last), or nil
// when the graph is acyclic.
func (g *Graph) Cycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	var path []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = grey
		path = append(path, n)
		for _, dep := range g.dependents[n] {
			switch color[dep] {
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			case grey:
				for i, p := range path {
					if p == dep {
						return append(append([]string(nil), path[i:]...), dep)
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.order {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// Levels layers the graph topologically. Every id in level k depends only on
// ids in levels < k. Within a level ids keep build order.
func (g *Graph) Levels() ([][]string, error) {
	if c := g.Cycle(); c != nil {
		return nil, &ConfigurationError{Cycle: c}
	}
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.deps[id])
	}
	done := make(map[string]bool, len(g.order))
	var levels [][]string
	for len(done) < len(g.order) {
		var level []string
		for _, id := range g.order {
			if !done[id] && indegree[id] == 0 {
				level = append(level, id)
			}
		}
		for _, id := range level {
			done[id] = true
			for _, next := range g.dependents[id] {
				indegree[next]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Subgraph restricts the graph to ids. Edges between kept ids are layered as
// before; dependencies on dropped ids are kept as external dependencies so a
// caller can check they were satisfied elsewhere.
func (g *Graph) Subgraph(ids []string) *Graph {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var order []string
	var edges []contracts.Edge
	external := make(map[string][]string)
	for _, id := range g.order {
		if !keep[id] {
			continue
		}
		order = append(order, id)
		for _, dep := range g.DependenciesOf(id) {
			if keep[dep] {
				edges = append(edges, contracts.Edge{From: dep, To: id})
			} else {
				external[id] = append(external[id], dep)
			}
		}
	}
	sub := NewGraph(order, edges)
	sub.external = external
	return sub
}
