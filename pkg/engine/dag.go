package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph over named nodes.
// It detects cycles and assigns execution levels for parallel execution.
// Nodes within a level are ordered lexically so results are reproducible.
type DAGBuilder struct {
	nodes map[string]bool

	// dependencies maps a node to the nodes it depends on
	dependencies map[string][]string

	// dependents maps a node to the nodes that depend on it
	dependents map[string][]string
}

// Graph is the result of a successful build.
type Graph struct {
	// Levels holds node names by execution level. Every dependency of a
	// node sits in a strictly lower level.
	Levels [][]string

	// Level maps each node to its level index.
	Level map[string]int

	// Dependencies maps each node to its direct dependencies.
	Dependencies map[string][]string

	// Dependents maps each node to its direct dependents.
	Dependents map[string][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:        make(map[string]bool),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// AddNode registers a node. Adding a node twice is a no-op.
func (b *DAGBuilder) AddNode(name string) {
	b.nodes[name] = true
}

// AddEdge records that node depends on dependency. Both must be added as
// nodes before Build is called.
func (b *DAGBuilder) AddEdge(node, dependency string) {
	for _, existing := range b.dependencies[node] {
		if existing == dependency {
			return
		}
	}
	b.dependencies[node] = append(b.dependencies[node], dependency)
	b.dependents[dependency] = append(b.dependents[dependency], node)
}

// Build validates edges, detects cycles, and computes levels.
func (b *DAGBuilder) Build() (*Graph, error) {
	for _, name := range b.sortedNodes() {
		for _, dep := range b.dependencies[name] {
			if !b.nodes[dep] {
				return nil, NewPermanentError(
					fmt.Sprintf("%s depends on unknown node %s", name, dep),
					nil,
				).WithCode(ErrCodeUnknownServiceReference).WithResource(name)
			}
		}
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, NewCyclicDependencyError(cycle)
	}

	levels, err := b.computeLevels()
	if err != nil {
		return nil, err
	}

	graph := &Graph{
		Levels:       levels,
		Level:        make(map[string]int, len(b.nodes)),
		Dependencies: make(map[string][]string, len(b.nodes)),
		Dependents:   make(map[string][]string, len(b.nodes)),
	}
	for i, level := range levels {
		for _, name := range level {
			graph.Level[name] = i
			graph.Dependencies[name] = sortedCopy(b.dependencies[name])
			graph.Dependents[name] = sortedCopy(b.dependents[name])
		}
	}
	return graph, nil
}

// findCycle returns the first cycle found by a depth-first search over
// nodes in lexical order, or nil. The returned path repeats its first
// node at the end.
func (b *DAGBuilder) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, dep := range sortedCopy(b.dependencies[name]) {
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				for i, n := range path {
					if n == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}

		onStack[name] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range b.sortedNodes() {
		if !visited[name] {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm with level tracking.
func (b *DAGBuilder) computeLevels() ([][]string, error) {
	inDegree := make(map[string]int, len(b.nodes))
	for name := range b.nodes {
		inDegree[name] = len(b.dependencies[name])
	}

	var current []string
	for name, degree := range inDegree {
		if degree == 0 {
			current = append(current, name)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range b.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	// Unreachable when cycle detection passed.
	if processed != len(b.nodes) {
		return nil, NewPermanentError("failed to order all nodes - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return levels, nil
}

func (b *DAGBuilder) sortedNodes() []string {
	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transitive returns every node that depends, directly or indirectly, on
// name.
func (g *Graph) Transitive(name string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.Dependents[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.Dependents[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	return len(g.Level)
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT(name string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", name)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, n := range names {
			fmt.Fprintf(&sb, "    %q;\n", n)
		}
		sb.WriteString("  }\n\n")
	}

	for _, names := range g.Levels {
		for _, n := range names {
			for _, dep := range g.Dependencies[n] {
				fmt.Fprintf(&sb, "  %q -> %q;\n", dep, n)
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
