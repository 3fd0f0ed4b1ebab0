package memberlist

import (
	"context"
	"log"
	"testing"
	"time"

	base "github.com/graphmesh/go-quorum/pkg/membership"
)

func startNode(t *testing.T, ctx context.Context, id string, meta map[string]string) (base.Membership, string) {
	t.Helper()
	m, err := New(Options{
		NodeID:        id,
		Bind:          "127.0.0.1:0",
		Meta:          meta,
		Logger:        log.Default(),
		ProbeInterval: 100 * time.Millisecond,
		SuspicionMult: 2,
	})
	if err != nil {
		t.Fatalf("new %s: %v", id, err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	la := m.Local().Addr
	if la == "" {
		t.Fatalf("local addr empty for %s", id)
	}
	return m, la
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := m.Members()
		if len(got) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("members timeout: got=%d want=%d list=%v", len(got), want, got)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestStartLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, _ := startNode(t, ctx, "0", map[string]string{"host": "node0"})
	defer m.Stop()

	if got := m.Local().ID; got != "0" {
		t.Fatalf("local id = %q, want 0", got)
	}
	if !m.Alive("0") {
		t.Fatal("local node not alive in its own view")
	}
	if m.Alive("1") {
		t.Fatal("unknown node reported alive")
	}
}

func TestMultiNodeJoinLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	n0, addr0 := startNode(t, ctx, "0", nil)
	defer n0.Stop()

	n1, _ := startNode(t, ctx, "1", map[string]string{"consensus": "node1:6000"})
	defer n1.Stop()
	if err := n1.Join([]string{addr0}); err != nil {
		t.Fatalf("n1 join: %v", err)
	}

	n2, _ := startNode(t, ctx, "2", nil)
	defer n2.Stop()
	if err := n2.Join([]string{addr0}); err != nil {
		t.Fatalf("n2 join: %v", err)
	}

	awaitMembers(t, n0, 3, 5*time.Second)
	awaitMembers(t, n1, 3, 5*time.Second)
	awaitMembers(t, n2, 3, 5*time.Second)

	if !n0.Alive("1") || !n0.Alive("2") {
		t.Fatal("joined peers not alive in n0's view")
	}

	// gossiped meta reaches the other side
	for _, info := range n0.Members() {
		if info.ID == "1" && info.Meta["consensus"] != "node1:6000" {
			t.Fatalf("n1 meta = %v", info.Meta)
		}
	}

	n1.Leave()
	n1.Stop()

	awaitMembers(t, n0, 2, 5*time.Second)
	awaitMembers(t, n2, 2, 5*time.Second)
	if n0.Alive("1") {
		t.Fatal("departed node still alive in n0's view")
	}
}
