package topology

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedTopology is returned when the adjacency matrix does not
	// describe a usable graph (dimension mismatch, missing self-loop,
	// negative weight). It is a fatal configuration condition.
	ErrMalformedTopology = errors.New("topology: malformed topology")
)

// Graph is the validated adjacency model over the configured node list.
// Edges are directed: Neighbors and IsReachable read row i only, so a peer
// being reachable from i does not imply the reverse. Instances are immutable
// after a successful Validate and safe for concurrent reads.
type Graph struct {
	nodes []string
	edges [][]int
}

// New builds a Graph from the ordered node address list and the adjacency
// matrix. The slice index is the canonical node id. Call Validate before use.
func New(nodes []string, edges [][]int) *Graph {
	ns := append([]string(nil), nodes...)
	es := make([][]int, len(edges))
	for i, row := range edges {
		es[i] = append([]int(nil), row...)
	}
	return &Graph{nodes: ns, edges: es}
}

// Validate checks the structural invariants: the matrix is square and matches
// the node count, every diagonal entry is non-zero (self-loop required), and
// entries are non-negative. All violations wrap ErrMalformedTopology.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("%w: empty node list", ErrMalformedTopology)
	}
	if len(g.edges) != len(g.nodes) {
		return fmt.Errorf("%w: matrix has %d rows for %d nodes", ErrMalformedTopology, len(g.edges), len(g.nodes))
	}
	for i, row := range g.edges {
		if len(row) != len(g.nodes) {
			return fmt.Errorf("%w: row %d has %d columns for %d nodes", ErrMalformedTopology, i, len(row), len(g.nodes))
		}
		for j, w := range row {
			if w < 0 {
				return fmt.Errorf("%w: negative weight at [%d][%d]", ErrMalformedTopology, i, j)
			}
		}
		if row[i] == 0 {
			return fmt.Errorf("%w: node %d is missing its self-loop", ErrMalformedTopology, i)
		}
	}
	return nil
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int { return len(g.nodes) }

// Addr returns the configured address of node i, or "" when out of range.
func (g *Graph) Addr(i int) string {
	if i < 0 || i >= len(g.nodes) {
		return ""
	}
	return g.nodes[i]
}

// Index resolves a configured address back to its node id. Returns -1 when
// the address is not part of the node list.
func (g *Graph) Index(addr string) int {
	for i, n := range g.nodes {
		if n == addr {
			return i
		}
	}
	return -1
}

// Neighbors returns the ids reachable from node i, excluding i itself.
// The result is a fresh slice in ascending id order.
func (g *Graph) Neighbors(i int) []int {
	if i < 0 || i >= len(g.edges) {
		return nil
	}
	out := make([]int, 0, len(g.edges[i]))
	for j, w := range g.edges[i] {
		if j != i && w != 0 {
			out = append(out, j)
		}
	}
	return out
}

// IsReachable reports whether node i may send to node j. A node is always
// reachable from itself once validated.
func (g *Graph) IsReachable(i, j int) bool {
	if i < 0 || j < 0 || i >= len(g.edges) || j >= len(g.edges[i]) {
		return false
	}
	return g.edges[i][j] != 0
}

// Degree returns the out-degree of node i excluding the self-loop, matching
// the management API convention.
func (g *Graph) Degree(i int) int {
	return len(g.Neighbors(i))
}

// Weight returns the raw matrix entry for the (i, j) edge.
func (g *Graph) Weight(i, j int) int {
	if !g.IsReachable(i, j) {
		return 0
	}
	return g.edges[i][j]
}
