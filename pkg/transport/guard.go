package transport

import (
	"context"
	"fmt"

	obsmetrics "github.com/graphmesh/go-quorum/pkg/observability/metrics"
	"github.com/graphmesh/go-quorum/pkg/topology"
)

// Guard enforces the adjacency matrix on an underlying transport: only edges
// present in the validated graph may carry messages. It also records
// transport metrics, so every concrete transport gets them for free.
type Guard struct {
	inner Transport
	graph *topology.Graph
	self  int
}

// NewGuard wraps inner with topology enforcement for the local node.
func NewGuard(inner Transport, graph *topology.Graph, self int) *Guard {
	return &Guard{inner: inner, graph: graph, self: self}
}

func (g *Guard) Send(ctx context.Context, peer int, msg Envelope) error {
	if peer == g.self || !g.graph.IsReachable(g.self, peer) {
		obsmetrics.NonPeerRejects.Inc()
		return fmt.Errorf("%w: node %d is not adjacent to node %d", ErrNotAPeer, peer, g.self)
	}
	if err := g.inner.Send(ctx, peer, msg); err != nil {
		return err
	}
	obsmetrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}

func (g *Guard) Receive() <-chan Inbound { return g.inner.Receive() }
func (g *Guard) Addr() string            { return g.inner.Addr() }
func (g *Guard) Close() error            { return g.inner.Close() }
