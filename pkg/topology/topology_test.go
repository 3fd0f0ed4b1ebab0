package topology

import (
	"errors"
	"testing"
)

func nodes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "10.0.0." + string(rune('1'+i)) + ":9000"
	}
	return out
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		nodes []string
		edges [][]int
		ok    bool
	}{
		{"single node self-loop", []string{"a:1"}, [][]int{{1}}, true},
		{"two nodes symmetric", []string{"a:1", "b:1"}, [][]int{{1, 1}, {1, 1}}, true},
		{"asymmetric edges allowed", []string{"a:1", "b:1"}, [][]int{{1, 1}, {0, 1}}, true},
		{"weighted edges allowed", []string{"a:1", "b:1"}, [][]int{{2, 3}, {1, 1}}, true},
		{"empty node list", nil, nil, false},
		{"row count mismatch", []string{"a:1", "b:1"}, [][]int{{1, 1}}, false},
		{"column count mismatch", []string{"a:1", "b:1"}, [][]int{{1, 1}, {1}}, false},
		{"missing self-loop", []string{"a:1", "b:1"}, [][]int{{1, 1}, {1, 0}}, false},
		{"negative weight", []string{"a:1", "b:1"}, [][]int{{1, -1}, {1, 1}}, false},
	}
	for _, c := range cases {
		err := New(c.nodes, c.edges).Validate()
		if c.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", c.name, err)
		}
		if !c.ok {
			if err == nil {
				t.Fatalf("%s: expected error, got nil", c.name)
			}
			if !errors.Is(err, ErrMalformedTopology) {
				t.Fatalf("%s: error %v does not wrap ErrMalformedTopology", c.name, err)
			}
		}
	}
}

func TestNeighborsRowBased(t *testing.T) {
	// Row 0 of the sample matrix: nodes 1..3 reachable, 4..6 not.
	edges := [][]int{
		{1, 1, 1, 1, 0, 0, 0},
		{1, 1, 0, 0, 1, 0, 0},
		{1, 0, 1, 0, 0, 1, 0},
		{1, 0, 0, 1, 0, 0, 1},
		{0, 1, 0, 0, 1, 0, 0},
		{0, 0, 1, 0, 0, 1, 0},
		{0, 0, 0, 1, 0, 0, 1},
	}
	g := New(nodes(7), edges)
	if err := g.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	got := g.Neighbors(0)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("neighbors(0) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("neighbors(0) = %v, want %v", got, want)
		}
	}
	if g.Degree(0) != 3 {
		t.Fatalf("degree(0) = %d, want 3", g.Degree(0))
	}
	// Asymmetry: 1 reaches 0 here but 4 does not reach 0.
	if !g.IsReachable(1, 0) {
		t.Fatalf("expected 1 -> 0 reachable")
	}
	if g.IsReachable(4, 0) {
		t.Fatalf("did not expect 4 -> 0 reachable")
	}
}

func TestNeighborsAsymmetric(t *testing.T) {
	g := New([]string{"a:1", "b:1"}, [][]int{{1, 1}, {0, 1}})
	if err := g.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if n := g.Neighbors(0); len(n) != 1 || n[0] != 1 {
		t.Fatalf("neighbors(0) = %v, want [1]", n)
	}
	if n := g.Neighbors(1); len(n) != 0 {
		t.Fatalf("neighbors(1) = %v, want empty", n)
	}
}

func TestIndexAddr(t *testing.T) {
	g := New([]string{"a:1", "b:2"}, [][]int{{1, 0}, {0, 1}})
	if g.Index("b:2") != 1 {
		t.Fatalf("index(b:2) = %d, want 1", g.Index("b:2"))
	}
	if g.Index("c:3") != -1 {
		t.Fatalf("index(c:3) = %d, want -1", g.Index("c:3"))
	}
	if g.Addr(0) != "a:1" || g.Addr(5) != "" {
		t.Fatalf("addr lookup mismatch")
	}
}
