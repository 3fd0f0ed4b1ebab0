// Package specified implements the "specified" discovery mode: the peer set
// is exactly the configured node list restricted to topology neighbors of the
// local node. No probing happens beyond the liveness handshake.
package specified

import (
	"context"
	"strconv"

	"github.com/graphmesh/go-quorum/pkg/discovery"
	"github.com/graphmesh/go-quorum/pkg/membership"
	"github.com/graphmesh/go-quorum/pkg/topology"
)

type specified struct {
	graph *topology.Graph
	self  int
	live  membership.Membership // optional; nil means every peer counts as alive
}

// New returns the static strategy for the given validated graph and local
// node id. When a membership layer is supplied, its handshake state decides
// each peer's State; otherwise peers are reported alive.
func New(graph *topology.Graph, self int, live membership.Membership) discovery.Discovery {
	return &specified{graph: graph, self: self, live: live}
}

func (s *specified) Resolve(ctx context.Context) ([]discovery.Peer, error) {
	ids := s.graph.Neighbors(s.self)
	out := make([]discovery.Peer, 0, len(ids))
	for _, id := range ids {
		p := discovery.Peer{ID: id, Addr: s.graph.Addr(id), State: discovery.StateAlive}
		if s.live != nil && !s.live.Alive(strconv.Itoa(id)) {
			p.State = discovery.StateUnreachable
		}
		out = append(out, p)
	}
	return out, nil
}
