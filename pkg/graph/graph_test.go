package graph

import (
	"errors"
	"strings"
	"testing"
)

func TestAddEdge(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *Graph
		from, to    string
		expectError bool
		errorType   error
	}{
		{
			name: "edge between existing nodes",
			setup: func() *Graph {
				g := New()
				g.AddNode("A")
				g.AddNode("B")
				return g
			},
			from: "A", to: "B",
			expectError: false,
		},
		{
			name: "source node not found",
			setup: func() *Graph {
				g := New()
				g.AddNode("B")
				return g
			},
			from: "A", to: "B",
			expectError: true,
			errorType:   ErrNodeNotFound,
		},
		{
			name: "target node not found",
			setup: func() *Graph {
				g := New()
				g.AddNode("A")
				return g
			},
			from: "A", to: "B",
			expectError: true,
			errorType:   ErrNodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.setup()

			err := g.AddEdge(tt.from, tt.to)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				if tt.errorType != nil && !errors.Is(err, tt.errorType) {
					t.Errorf("expected error %v, got %v", tt.errorType, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAddNodeIdempotent(t *testing.T) {
	g := New()
	g.AddNode("A")
	g.AddNode("A")

	if g.Len() != 1 {
		t.Errorf("expected 1 node, got %d", g.Len())
	}
}

func TestSort(t *testing.T) {
	tests := []struct {
		name          string
		setup         func() *Graph
		expectedOrder []string
		expectError   bool
		cycleNodes    []string
	}{
		{
			name: "simple linear dependency",
			setup: func() *Graph {
				g := New()
				g.AddNode("A")
				g.AddNode("B")
				g.AddNode("C")
				g.AddEdge("A", "B")
				g.AddEdge("B", "C")
				return g
			},
			expectedOrder: []string{"A", "B", "C"},
		},
		{
			name: "no dependencies keeps insertion order",
			setup: func() *Graph {
				g := New()
				g.AddNode("C")
				g.AddNode("A")
				g.AddNode("B")
				return g
			},
			expectedOrder: []string{"C", "A", "B"},
		},
		{
			name: "dependency pulls node forward",
			setup: func() *Graph {
				g := New()
				g.AddNode("A")
				g.AddNode("B")
				g.AddNode("C")
				g.AddEdge("C", "A")
				return g
			},
			expectedOrder: []string{"B", "C", "A"},
		},
		{
			name: "circular dependency",
			setup: func() *Graph {
				g := New()
				g.AddNode("A")
				g.AddNode("B")
				g.AddNode("C")
				g.AddEdge("A", "B")
				g.AddEdge("B", "A")
				return g
			},
			expectError: true,
			cycleNodes:  []string{"A", "B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.setup()
			result, err := g.Sort()

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				var ce *CycleError
				if !errors.As(err, &ce) {
					t.Fatalf("expected CycleError, got %T", err)
				}
				if len(ce.Nodes) != len(tt.cycleNodes) {
					t.Fatalf("expected cycle nodes %v, got %v", tt.cycleNodes, ce.Nodes)
				}
				for i, n := range tt.cycleNodes {
					if ce.Nodes[i] != n {
						t.Errorf("expected cycle node %q at position %d, got %q", n, i, ce.Nodes[i])
					}
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(result) != len(tt.expectedOrder) {
				t.Fatalf("expected %d nodes, got %d", len(tt.expectedOrder), len(result))
			}
			for i, name := range tt.expectedOrder {
				if result[i] != name {
					t.Errorf("expected node %q at position %d, got %q", name, i, result[i])
				}
			}
		})
	}
}

func TestSortDeterministic(t *testing.T) {
	build := func() *Graph {
		g := New()
		for _, n := range []string{"D", "B", "A", "C"} {
			g.AddNode(n)
		}
		g.AddEdge("B", "D")
		g.AddEdge("A", "C")
		return g
	}

	first, err := build().Sort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 20; i++ {
		next, err := build().Sort()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for j := range first {
			if next[j] != first[j] {
				t.Fatalf("sort order changed between runs: %v vs %v", first, next)
			}
		}
	}
}

func TestAsDot(t *testing.T) {
	g := New()
	g.AddNode("A")
	g.AddNode("B")
	g.AddEdge("A", "B")

	var sb strings.Builder
	g.AsDot(&sb, "test")
	out := sb.String()

	if !strings.Contains(out, `digraph "test"`) {
		t.Errorf("missing digraph header in %q", out)
	}
	if !strings.Contains(out, `"A" -> "B";`) {
		t.Errorf("missing edge in %q", out)
	}
}
