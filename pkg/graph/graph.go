package graph

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrNodeNotFound indicates a requested node does not exist in the graph.
var ErrNodeNotFound = fmt.Errorf("node not found")

// CycleError is returned when the graph cannot be topologically sorted. Nodes
// holds the names of the nodes participating in (or downstream of) a cycle.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency involving: %s", strings.Join(e.Nodes, ", "))
}

func New() *Graph {
	return &Graph{
		index: make(map[string]int),
	}
}

// Graph is a directed graph over named nodes. Insertion order is remembered
// and used to break ties during topological sorting, so the same set of nodes
// and edges always sorts the same way.
type Graph struct {
	names []string
	index map[string]int         // name -> insertion index
	edges map[int][]int          // from -> to (from must come before to)
}

// AddNode adds a node. Adding an existing name is a no-op.
func (g *Graph) AddNode(name string) {
	if _, exists := g.index[name]; exists {
		return
	}
	g.index[name] = len(g.names)
	g.names = append(g.names, name)
}

// AddEdge records that from must be ordered before to. Both nodes must exist.
func (g *Graph) AddEdge(from, to string) error {
	f, ok := g.index[from]
	if !ok {
		return fmt.Errorf("source node %q: %w", from, ErrNodeNotFound)
	}
	t, ok := g.index[to]
	if !ok {
		return fmt.Errorf("target node %q: %w", to, ErrNodeNotFound)
	}

	if g.edges == nil {
		g.edges = make(map[int][]int)
	}
	g.edges[f] = append(g.edges[f], t)
	return nil
}

// Has reports whether the named node exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.names)
}

// Sort returns the node names in topological order. Among nodes whose
// dependencies are all satisfied, insertion order decides, which makes the
// result deterministic across runs. Returns a CycleError when the graph
// contains a cycle.
func (g *Graph) Sort() ([]string, error) {
	n := len(g.names)
	inDegree := make([]int, n)
	for _, targets := range g.edges {
		for _, t := range targets {
			inDegree[t]++
		}
	}

	// ready holds insertion indices with in-degree zero, kept sorted so the
	// lowest insertion index is always dequeued first.
	var ready []int
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	sorted := make([]string, 0, n)
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		sorted = append(sorted, g.names[i])

		for _, t := range g.edges[i] {
			inDegree[t]--
			if inDegree[t] == 0 {
				ready = insertSorted(ready, t)
			}
		}
	}

	if len(sorted) != n {
		var remaining []string
		for i := 0; i < n; i++ {
			if inDegree[i] > 0 {
				remaining = append(remaining, g.names[i])
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Nodes: remaining}
	}

	return sorted, nil
}

func insertSorted(s []int, v int) []int {
	pos := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

// AsDot writes a Graphviz DOT representation of the graph.
func (g *Graph) AsDot(w io.Writer, graphName string) {
	fmt.Fprintf(w, "digraph %q {\n", graphName)
	fmt.Fprintf(w, "  rankdir=\"LR\";\n")
	fmt.Fprintf(w, "  node [shape=box, style=rounded];\n")

	for i, name := range g.names {
		targets := g.edges[i]
		if len(targets) == 0 {
			fmt.Fprintf(w, "  %q;\n", name)
			continue
		}
		for _, t := range targets {
			fmt.Fprintf(w, "  %q -> %q;\n", name, g.names[t])
		}
	}
	fmt.Fprintf(w, "}\n")
}
