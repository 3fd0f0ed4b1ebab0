package engine

import (
	"sort"
	"time"

	"github.com/graphmesh/go-quorum/pkg/commitlog"
	"github.com/graphmesh/go-quorum/pkg/transport"
)

// State is the engine's position in the round lifecycle.
type State int

const (
	StateIdle State = iota
	StateProposing
	StateVoting
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProposing:
		return "proposing"
	case StateVoting:
		return "voting"
	case StateCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// proposal is a candidate value scoped by an unsigned, never-reused term.
type proposal struct {
	term     uint64
	round    uint64
	proposer int
	value    string
	runID    string
}

// better implements the contention tie-break: the higher (term, proposer)
// pair wins. Competing proposals in the same round are expected, not errors.
func (p proposal) better(q proposal) bool {
	if p.term != q.term {
		return p.term > q.term
	}
	return p.proposer > q.proposer
}

type outMsg struct {
	to  int
	env transport.Envelope
}

// machine is the synchronous core of the consensus engine: one instance per
// node, owned exclusively by the driving task. Inputs are envelopes and
// timer expiries; outputs are envelopes to send and at most one commit.
// The commit decision depends only on the set of received votes, never on
// their arrival order.
type machine struct {
	self   int
	peers  []int // configured neighbor ids, self excluded
	quorum int   // accepts required, counted over peers+self

	state State
	term  uint64 // highest term observed, monotonically non-decreasing
	round uint64 // current round, increments on every commit

	cur   *proposal    // round in flight (own or adopted)
	votes map[int]bool // voter id -> accept, only while proposing

	pending string // value to retry after an abandoned round
	runID   string
}

func newMachine(self int, peers []int) *machine {
	members := len(peers) + 1
	return &machine{
		self:   self,
		peers:  append([]int(nil), peers...),
		quorum: members/2 + 1,
		state:  StateIdle,
		round:  1,
	}
}

// propose originates a new round for value. A no-op unless idle: one round
// is in flight at a time per node.
func (m *machine) propose(value, runID string) []outMsg {
	if m.state != StateIdle {
		return nil
	}
	m.term++
	p := &proposal{term: m.term, round: m.round, proposer: m.self, value: value, runID: runID}
	m.cur = p
	m.pending = value
	m.runID = runID
	m.votes = map[int]bool{m.self: true} // proposer's own accept
	m.state = StateProposing

	out := make([]outMsg, 0, len(m.peers))
	env := transport.Propose(p.term, p.round, m.self, value, runID)
	for _, id := range m.peers {
		out = append(out, outMsg{to: id, env: env})
	}
	return out
}

// beginVoting moves the proposer from StateProposing to StateVoting once
// its offer is on the wire. Peer votes decide the round from this point.
func (m *machine) beginVoting() {
	if m.state == StateProposing {
		m.state = StateVoting
	}
}

// quorumReached reports whether the current vote set decides the round.
func (m *machine) quorumReached() bool {
	n := 0
	for _, accept := range m.votes {
		if accept {
			n++
		}
	}
	return n >= m.quorum
}

// handle applies one inbound envelope. The returned commit record is non-nil
// exactly when this input completes a round on this node.
func (m *machine) handle(in transport.Inbound) ([]outMsg, *commitlog.CommitRecord) {
	switch in.Msg.Kind {
	case transport.KindPropose:
		return m.handlePropose(in.Msg), nil
	case transport.KindVote:
		return nil, m.handleVote(in)
	case transport.KindCommit:
		return nil, m.handleCommit(in.Msg)
	}
	return nil, nil
}

func (m *machine) handlePropose(env transport.Envelope) []outMsg {
	p := proposal{term: env.Term, round: env.Round, proposer: env.Proposer, value: env.Value, runID: env.RunID}

	if m.cur == nil && p.term < m.term {
		// term already left behind; the sender retries with a higher term
		return nil
	}
	if m.cur != nil {
		if !p.better(*m.cur) {
			// stale or losing proposal: discarded without error
			return nil
		}
		// A higher (term, nodeId) proposal cancels the round in flight
		// and releases its buffered votes.
		m.votes = nil
	}
	if p.term > m.term {
		m.term = p.term
	}
	adopted := p
	m.cur = &adopted
	m.state = StateVoting
	// accept vote back to the proposer
	return []outMsg{{to: p.proposer, env: transport.Vote(p.term, p.round, m.self, true)}}
}

func (m *machine) handleVote(in transport.Inbound) *commitlog.CommitRecord {
	if m.votes == nil || m.cur == nil || m.cur.proposer != m.self {
		return nil // not collecting votes
	}
	if in.Msg.Term != m.cur.term {
		return nil // vote for a superseded term
	}
	m.votes[in.From] = in.Msg.Accept
	if !m.quorumReached() {
		return nil
	}
	return m.commitCurrent()
}

// commitCurrent finalizes the round in flight. Witnesses are the accepting
// voter ids in ascending order, independent of arrival order.
func (m *machine) commitCurrent() *commitlog.CommitRecord {
	m.state = StateCommitting
	witnesses := make([]int, 0, len(m.votes))
	for id, accept := range m.votes {
		if accept {
			witnesses = append(witnesses, id)
		}
	}
	sort.Ints(witnesses)

	rec := &commitlog.CommitRecord{
		Round:     m.cur.round,
		Term:      m.cur.term,
		Value:     m.cur.value,
		Witnesses: witnesses,
		NodeID:    m.self,
		RunID:     m.cur.runID,
		At:        time.Now().UTC(),
	}
	m.finishRound()
	return rec
}

// handleCommit applies a commit announced by the round's proposer.
func (m *machine) handleCommit(env transport.Envelope) *commitlog.CommitRecord {
	if m.cur == nil && env.Round < m.round {
		return nil // round already recorded or left behind
	}
	if env.Term > m.term {
		m.term = env.Term
	}
	rec := &commitlog.CommitRecord{
		Round:  env.Round,
		Term:   env.Term,
		Value:  env.Value,
		NodeID: m.self,
		At:     time.Now().UTC(),
	}
	if m.cur != nil {
		rec.RunID = m.cur.runID
	}
	if env.Round+1 > m.round {
		m.round = env.Round + 1
	}
	m.cur = nil
	m.votes = nil
	m.state = StateIdle
	return rec
}

func (m *machine) finishRound() {
	m.round++
	m.cur = nil
	m.votes = nil
	m.state = StateIdle
}

// timeout abandons the round in flight. It returns true when this node was
// the proposer and should retry with an incremented term after backoff.
func (m *machine) timeout() bool {
	if m.state != StateVoting || m.cur == nil {
		return false
	}
	retry := m.cur.proposer == m.self
	m.cur = nil
	m.votes = nil
	m.state = StateIdle
	return retry
}
