// Package transport defines point-to-point message delivery between graph
// nodes. Delivery is at-most-once per call with no built-in retry; consensus
// rounds are retry-tolerant, so the engine re-sends idempotently with the
// same term when needed.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotAPeer rejects a send to a node that is not graph-adjacent to
	// the sender. The check happens at the API boundary so topology
	// violations never reach the wire.
	ErrNotAPeer = errors.New("transport: not a peer")

	// ErrUnavailable wraps recoverable delivery failures (connection
	// refused, timeout). The engine surfaces it as a peer-unreachable
	// condition, never as a crash.
	ErrUnavailable = errors.New("transport: peer unavailable")

	// ErrClosed is returned once the transport has shut down.
	ErrClosed = errors.New("transport: closed")
)

// Kind discriminates the consensus wire messages.
type Kind string

const (
	KindPropose Kind = "propose"
	KindVote    Kind = "vote"
	KindCommit  Kind = "commit"
)

// Envelope is the single wire frame. Term scopes every message; the
// remaining fields are populated per kind: Value+Proposer for proposals,
// Accept for votes, Value for commits.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	Term     uint64 `json:"term"`
	Round    uint64 `json:"round"`
	From     int    `json:"from"`
	Proposer int    `json:"proposer,omitempty"`
	Value    string `json:"value,omitempty"`
	Accept   bool   `json:"accept,omitempty"`
	RunID    string `json:"runId,omitempty"`
}

// Propose builds a proposal envelope originated by node from.
func Propose(term, round uint64, from int, value, runID string) Envelope {
	return Envelope{Kind: KindPropose, Term: term, Round: round, From: from, Proposer: from, Value: value, RunID: runID}
}

// Vote builds a vote envelope from voter from for the given term.
func Vote(term, round uint64, from int, accept bool) Envelope {
	return Envelope{Kind: KindVote, Term: term, Round: round, From: from, Accept: accept}
}

// Commit builds a commit announcement for a decided round.
func Commit(term, round uint64, from int, value string) Envelope {
	return Envelope{Kind: KindCommit, Term: term, Round: round, From: from, Value: value}
}

// Inbound pairs a delivered envelope with its sender id.
type Inbound struct {
	From int
	Msg  Envelope
}

// Transport delivers envelopes between nodes. Receive's channel is the
// infinite inbound sequence; it closes only when the transport closes.
type Transport interface {
	Send(ctx context.Context, peer int, msg Envelope) error
	Receive() <-chan Inbound
	Addr() string
	Close() error
}
