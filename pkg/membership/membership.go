package membership

import (
	"context"
	"time"
)

// MemberInfo describes a graph node as observed by the liveness layer.
// ID is the decimal form of the node's graph index; Meta carries auxiliary
// data such as the node's consensus address.
type MemberInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

type EventType string

const (
	// EventAlive indicates the node completed the gossip handshake.
	EventAlive EventType = "alive"
	// EventDead indicates the node left or stopped answering probes.
	EventDead EventType = "dead"
)

// Event is a translated liveness change notification.
type Event struct {
	Type   EventType
	Member MemberInfo
	At     time.Time
}

// Membership is the liveness substrate behind peer discovery: it answers
// which configured nodes currently pass the handshake. It never influences
// the peer set itself — that is fixed by the topology.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	Alive(id string) bool
	Events() <-chan Event
	Leave() error
	Stop() error
}
