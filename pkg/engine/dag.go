package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGNode is one vertex handed to the DAG builder.
type DAGNode struct {
	ID        string
	Label     string
	DependsOn []string
}

// GraphNode is a vertex of a built ExecutionGraph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is a dependency edge: From must finish before To starts.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ExecutionGraph is a validated, levelled DAG.
type ExecutionGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`
	Roots []string              `json:"roots"`
	Depth int                   `json:"depth"`

	// Order is a deterministic topological order of every node.
	Order []string `json:"order"`
}

// DAGBuilder builds a directed acyclic graph from workflow nodes.
// It performs topological sorting and assigns execution levels for parallel execution.
type DAGBuilder struct {
	// nodes maps node IDs to their definitions
	nodes map[string]DAGNode

	// adjacencyList maps node IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to node IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:                make(map[string]DAGNode),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from nodes.
// It validates dependencies, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(nodes []DAGNode) (*ExecutionGraph, error) {
	if len(nodes) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Order: make([]string, 0),
		}, nil
	}

	if err := b.initialize(nodes); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

func (b *DAGBuilder) initialize(nodes []DAGNode) error {
	for _, n := range nodes {
		if n.ID == "" {
			return NewPermanentError("workflow node has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.nodes[n.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate workflow node ID: %s", n.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.nodes[n.ID] = n
		b.adjacencyList[n.ID] = make([]string, 0)
		b.reverseAdjacencyList[n.ID] = make([]string, 0)
		b.inDegree[n.ID] = 0
	}

	for _, id := range b.sortedIDs() {
		n := b.nodes[id]
		seen := make(map[string]bool)
		for _, dep := range n.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, exists := b.nodes[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("node %s depends on non-existent node %s", n.ID, dep),
					nil,
				).WithCode(ErrCodeValidation).WithResource(n.ID)
			}
			b.adjacencyList[dep] = append(b.adjacencyList[dep], n.ID)
			b.reverseAdjacencyList[n.ID] = append(b.reverseAdjacencyList[n.ID], dep)
			b.inDegree[n.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.sortedIDs() {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(nodeID string, visited, recStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels with Kahn's algorithm.
// Nodes at the same level can be executed in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root nodes found - all nodes have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Strings(nextLevel)
		currentLevel = nextLevel
	}

	if processed != len(b.nodes) {
		return NewPermanentError("failed to process all nodes - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.nodes)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
		Order: make([]string, 0, len(b.nodes)),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			graph.Order = append(graph.Order, id)
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	for _, id := range graph.Order {
		for _, dep := range b.reverseAdjacencyList[id] {
			graph.Edges = append(graph.Edges, GraphEdge{From: dep, To: id})
		}
	}

	return graph
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT(name string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", name)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			label := id
			if l := b.nodes[id].Label; l != "" {
				label = fmt.Sprintf("%s\\n%s", id, l)
			}
			fmt.Fprintf(&sb, "    %q [label=\"%s\"];\n", id, label)
		}
		sb.WriteString("  }\n\n")
	}

	for _, ids := range b.levels {
		for _, id := range ids {
			for _, dep := range b.reverseAdjacencyList[id] {
				fmt.Fprintf(&sb, "  %q -> %q;\n", dep, id)
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// Descendants returns every node reachable from id, excluding id itself.
func (g *ExecutionGraph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		node, ok := g.Nodes[n]
		if !ok {
			return
		}
		for _, d := range node.Dependents {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
