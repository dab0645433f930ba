package engine

import (
	"fmt"
	"strings"
)

// StageGraph is the dependency graph of pipeline steps together with the
// sequential execution order derived from it.
type StageGraph struct {
	// Order is the topological order; ties are broken by declaration order.
	Order []StageName `json:"order"`

	// Dependencies maps each step to the steps it depends on.
	Dependencies map[StageName][]StageName `json:"dependencies"`

	// Dependents maps each step to the steps that depend on it.
	Dependents map[StageName][]StageName `json:"dependents"`
}

// GraphBuilder builds a StageGraph from steps.
type GraphBuilder struct {
	// index maps step names to their declaration position
	index map[StageName]int

	// names lists step names in declaration order
	names []StageName

	// adjacencyList maps step names to their dependents
	adjacencyList map[StageName][]StageName

	// reverseAdjacencyList maps step names to their dependencies
	reverseAdjacencyList map[StageName][]StageName

	// inDegree tracks the number of unfinished dependencies of each node
	inDegree map[StageName]int
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		index:                make(map[StageName]int),
		adjacencyList:        make(map[StageName][]StageName),
		reverseAdjacencyList: make(map[StageName][]StageName),
		inDegree:             make(map[StageName]int),
	}
}

// BuildGraph validates dependencies, detects cycles and computes the order.
func (b *GraphBuilder) BuildGraph(steps []Step) (*StageGraph, error) {
	if err := b.initialize(steps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	order, err := b.computeOrder()
	if err != nil {
		return nil, err
	}

	return &StageGraph{
		Order:        order,
		Dependencies: b.reverseAdjacencyList,
		Dependents:   b.adjacencyList,
	}, nil
}

// initialize sets up the internal data structures from steps.
func (b *GraphBuilder) initialize(steps []Step) error {
	for i, step := range steps {
		if step.Name == "" {
			return New(KindConfig, "step %d has empty name", i).WithOp("build_graph")
		}
		if _, exists := b.index[step.Name]; exists {
			return New(KindConfig, "duplicate step: %s", step.Name).
				WithStage(step.Name).WithOp("build_graph")
		}
		if step.Execute == nil {
			return New(KindConfig, "step has no execute function").
				WithStage(step.Name).WithOp("build_graph")
		}
		b.index[step.Name] = i
		b.names = append(b.names, step.Name)
		b.adjacencyList[step.Name] = make([]StageName, 0)
		b.reverseAdjacencyList[step.Name] = make([]StageName, 0)
		b.inDegree[step.Name] = 0
	}

	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, exists := b.index[dep]; !exists {
				return New(KindConfig, "step %s depends on unknown step %s", step.Name, dep).
					WithStage(step.Name).WithOp("build_graph")
			}
			// Edge from dependency to dependent.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], step.Name)
			b.reverseAdjacencyList[step.Name] = append(b.reverseAdjacencyList[step.Name], dep)
			b.inDegree[step.Name]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[StageName]bool)
	recStack := make(map[StageName]bool)

	for _, name := range b.names {
		if visited[name] {
			continue
		}
		if cycle := b.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return New(KindConfig, "circular dependency detected: %s", formatCycle(cycle)).
				WithOp("build_graph")
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle path reachable from node, if any.
func (b *GraphBuilder) detectCyclesUtil(
	node StageName,
	visited map[StageName]bool,
	recStack map[StageName]bool,
	path []StageName,
) []StageName {
	visited[node] = true
	recStack[node] = true
	path = append(path, node)

	for _, dependent := range b.adjacencyList[node] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, name := range path {
				if name == dependent {
					cycle := append([]StageName{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[node] = false
	return nil
}

// computeOrder runs Kahn's algorithm, always picking the earliest declared
// ready step so the order is stable across runs.
func (b *GraphBuilder) computeOrder() ([]StageName, error) {
	inDegree := make(map[StageName]int, len(b.inDegree))
	for name, degree := range b.inDegree {
		inDegree[name] = degree
	}

	order := make([]StageName, 0, len(b.names))
	done := make(map[StageName]bool, len(b.names))

	for len(order) < len(b.names) {
		next := StageName("")
		for _, name := range b.names {
			if !done[name] && inDegree[name] == 0 {
				next = name
				break
			}
		}
		if next == "" {
			return nil, New(KindConfig, "failed to order all steps - possible cycle").
				WithOp("build_graph")
		}

		done[next] = true
		order = append(order, next)
		for _, dependent := range b.adjacencyList[next] {
			inDegree[dependent]--
		}
	}

	return order, nil
}

// Subgraph returns the order restricted to the given steps, which must form
// a contiguous run of the full order.
func (g *StageGraph) Subgraph(names []StageName) ([]StageName, error) {
	want := make(map[StageName]bool, len(names))
	for _, n := range names {
		if _, ok := g.Dependencies[n]; !ok {
			return nil, New(KindConfig, "unknown step: %s", n).WithOp("select_steps")
		}
		want[n] = true
	}

	first, last := -1, -1
	for i, n := range g.Order {
		if want[n] {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil, New(KindConfig, "no steps selected").WithOp("select_steps")
	}

	selected := g.Order[first : last+1]
	if len(selected) != len(want) {
		return nil, New(KindConfig, "selected steps must be contiguous in %s", formatCycle(g.Order)).
			WithOp("select_steps")
	}
	return append([]StageName{}, selected...), nil
}

// ToDOT generates a DOT format representation of the graph for visualization.
func (g *StageGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, name := range g.Order {
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%d. %s\"];\n", name, i+1, name))
	}
	sb.WriteString("\n")
	for _, name := range g.Order {
		for _, dep := range g.Dependencies[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a step path for error messages.
func formatCycle(path []StageName) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = string(p)
	}
	return strings.Join(parts, " -> ")
}
