package discovery

import "context"

// PeerState is the outcome of the liveness handshake for a configured peer.
type PeerState string

const (
	// StateAlive means the peer completed the handshake.
	StateAlive PeerState = "alive"
	// StateUnreachable means the configured peer never answered. The
	// engine tolerates a peer subset smaller than the full neighbor set.
	StateUnreachable PeerState = "unreachable"
)

// Peer is a topology neighbor of the local node together with its resolved
// endpoint and handshake state.
type Peer struct {
	ID    int
	Addr  string
	State PeerState
}

// Discovery turns configuration into a peer set. Strategies beyond the
// specified (static) one can be added behind this capability without
// touching the consensus engine.
type Discovery interface {
	Resolve(ctx context.Context) ([]Peer, error)
}
