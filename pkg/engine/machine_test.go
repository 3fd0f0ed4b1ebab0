package engine

import (
	"reflect"
	"testing"

	"github.com/graphmesh/go-quorum/pkg/transport"
)

func vote(from int, term uint64, accept bool) transport.Inbound {
	return transport.Inbound{From: from, Msg: transport.Vote(term, 1, from, accept)}
}

func TestProposeBroadcastsToAllPeers(t *testing.T) {
	m := newMachine(0, []int{1, 2, 3})
	out := m.propose("v1", "run-a")
	if len(out) != 3 {
		t.Fatalf("expected 3 proposals, got %d", len(out))
	}
	for i, msg := range out {
		if msg.to != i+1 {
			t.Errorf("proposal %d sent to %d", i, msg.to)
		}
		if msg.env.Kind != transport.KindPropose || msg.env.Term != 1 || msg.env.Value != "v1" {
			t.Errorf("unexpected envelope %+v", msg.env)
		}
	}
	if m.state != StateProposing {
		t.Fatalf("state = %v after propose, want proposing", m.state)
	}
	m.beginVoting()
	if m.state != StateVoting {
		t.Fatalf("state = %v, want voting", m.state)
	}
	if m.quorum != 3 {
		t.Fatalf("quorum = %d for 4 members, want 3", m.quorum)
	}
}

func TestQuorumIsMajorityOfConfiguredMembers(t *testing.T) {
	// six neighbors plus self: quorum is 4, regardless of liveness
	m := newMachine(0, []int{1, 2, 3, 4, 5, 6})
	if m.quorum != 4 {
		t.Fatalf("quorum = %d, want 4", m.quorum)
	}
	m.propose("v", "")
	m.beginVoting()

	for _, from := range []int{1, 2} {
		if _, rec := m.handle(vote(from, 1, true)); rec != nil {
			t.Fatalf("committed at %d accepts", from+1)
		}
	}
	// 3 accepts including self: one short
	if m.state != StateVoting {
		t.Fatalf("state = %v before quorum", m.state)
	}
	_, rec := m.handle(vote(3, 1, true))
	if rec == nil {
		t.Fatal("4th accept did not commit")
	}
	if want := []int{0, 1, 2, 3}; !reflect.DeepEqual(rec.Witnesses, want) {
		t.Fatalf("witnesses = %v, want %v", rec.Witnesses, want)
	}
}

func TestDecisionIndependentOfVoteOrder(t *testing.T) {
	orders := [][]int{
		{1, 2, 3, 4, 5, 6},
		{6, 5, 4, 3, 2, 1},
		{3, 6, 1, 5, 2, 4},
	}
	var first *struct {
		term  uint64
		value string
		wit   []int
	}
	for _, order := range orders {
		m := newMachine(0, []int{1, 2, 3, 4, 5, 6})
		m.propose("shared", "run")
		m.beginVoting()
		var got *struct {
			term  uint64
			value string
			wit   []int
		}
		for _, from := range order {
			_, rec := m.handle(vote(from, 1, true))
			if rec != nil && got == nil {
				got = &struct {
					term  uint64
					value string
					wit   []int
				}{rec.Term, rec.Value, rec.Witnesses}
			}
		}
		if got == nil {
			t.Fatalf("order %v did not commit", order)
		}
		if first == nil {
			first = got
			continue
		}
		if got.term != first.term || got.value != first.value {
			t.Fatalf("order %v decided (%d,%q), want (%d,%q)",
				order, got.term, got.value, first.term, first.value)
		}
	}
}

func TestDuplicateVotesCountOnce(t *testing.T) {
	m := newMachine(0, []int{1, 2, 3, 4, 5, 6})
	m.propose("v", "")
	m.beginVoting()
	for i := 0; i < 5; i++ {
		if _, rec := m.handle(vote(1, 1, true)); rec != nil {
			t.Fatal("repeated vote from one peer reached quorum")
		}
	}
}

func TestRejectVotesDoNotCount(t *testing.T) {
	m := newMachine(0, []int{1, 2, 3, 4, 5, 6})
	m.propose("v", "")
	m.beginVoting()
	for _, from := range []int{1, 2, 3} {
		m.handle(vote(from, 1, false))
	}
	if _, rec := m.handle(vote(4, 1, true)); rec != nil {
		t.Fatal("committed with 2 accepts against quorum 4")
	}
	if _, rec := m.handle(vote(5, 1, true)); rec != nil {
		t.Fatal("committed with 3 accepts against quorum 4")
	}
	_, rec := m.handle(vote(6, 1, true))
	if rec == nil {
		t.Fatal("4 accepts did not commit")
	}
}

func TestHigherPairWinsContention(t *testing.T) {
	// node 2 voted for (term 2, node 1), then sees (term 2, node 3)
	m := newMachine(2, []int{1, 3})
	m.term = 1

	out := m.handlePropose(transport.Propose(2, 1, 1, "from-1", ""))
	if len(out) != 1 || out[0].to != 1 || !out[0].env.Accept {
		t.Fatalf("expected accept to node 1, got %+v", out)
	}

	out = m.handlePropose(transport.Propose(2, 1, 3, "from-3", ""))
	if len(out) != 1 || out[0].to != 3 || !out[0].env.Accept {
		t.Fatalf("expected accept to node 3, got %+v", out)
	}
	if m.cur.proposer != 3 || m.cur.value != "from-3" {
		t.Fatalf("adopted %+v, want node 3's proposal", m.cur)
	}

	// the losing pair arriving afterwards is discarded silently
	if out := m.handlePropose(transport.Propose(2, 1, 1, "from-1", "")); out != nil {
		t.Fatalf("stale proposal produced output %+v", out)
	}
}

func TestSupersedeReleasesBufferedVotes(t *testing.T) {
	m := newMachine(1, []int{2, 3, 4, 5, 6, 0})
	m.propose("mine", "")
	m.beginVoting()
	m.handle(vote(2, 1, true))
	m.handle(vote(4, 1, true))

	// higher pair cancels the round in flight
	m.handlePropose(transport.Propose(2, 1, 3, "theirs", ""))
	if m.cur.proposer != 3 {
		t.Fatalf("cur proposer = %d, want 3", m.cur.proposer)
	}

	// late votes for the cancelled term must not commit anything
	for _, from := range []int{5, 6, 0} {
		if _, rec := m.handle(vote(from, 1, true)); rec != nil {
			t.Fatal("released votes still reached quorum")
		}
	}
}

func TestCommitAnnouncementAdvancesRound(t *testing.T) {
	m := newMachine(2, []int{1, 3})
	m.handlePropose(transport.Propose(1, 1, 1, "v", ""))

	rec := m.handleCommit(transport.Commit(1, 1, 1, "v"))
	if rec == nil {
		t.Fatal("commit announcement dropped")
	}
	if rec.Round != 1 || rec.Value != "v" || rec.NodeID != 2 {
		t.Fatalf("record = %+v", rec)
	}
	if m.round != 2 || m.state != StateIdle {
		t.Fatalf("round=%d state=%v after commit", m.round, m.state)
	}

	// replayed announcement for a finished round is ignored
	if rec := m.handleCommit(transport.Commit(1, 1, 1, "v")); rec != nil {
		t.Fatalf("duplicate announcement recorded %+v", rec)
	}
}

func TestFullRowCommitsAgainstAllNeighbors(t *testing.T) {
	// node 0 adjacent to 1,2,3 out of seven: members 4, quorum 3
	m := newMachine(0, []int{1, 2, 3})
	m.propose("row0", "run")
	m.beginVoting()

	m.handle(vote(1, 1, true))
	_, rec := m.handle(vote(2, 1, true))
	if rec == nil {
		t.Fatal("3 accepts of quorum 3 did not commit")
	}
	if want := []int{0, 1, 2}; !reflect.DeepEqual(rec.Witnesses, want) {
		t.Fatalf("witnesses = %v, want %v", rec.Witnesses, want)
	}
	if rec.Round != 1 {
		t.Fatalf("round = %d, want 1", rec.Round)
	}
}

func TestTimeoutRetriesOnlyForProposer(t *testing.T) {
	p := newMachine(0, []int{1, 2})
	p.propose("v", "")
	p.beginVoting()
	if !p.timeout() {
		t.Fatal("proposer timeout should request retry")
	}
	if p.state != StateIdle {
		t.Fatalf("state = %v after timeout", p.state)
	}
	if p.pending != "v" {
		t.Fatalf("pending = %q, want original value", p.pending)
	}

	a := newMachine(1, []int{0, 2})
	a.handlePropose(transport.Propose(1, 1, 0, "v", ""))
	if a.timeout() {
		t.Fatal("acceptor timeout should not request retry")
	}
}

func TestRetryUsesIncrementedTerm(t *testing.T) {
	m := newMachine(0, []int{1, 2})
	m.propose("v", "")
	m.beginVoting()
	m.timeout()
	out := m.propose(m.pending, m.runID)
	if len(out) == 0 || out[0].env.Term != 2 {
		t.Fatalf("retry term = %d, want 2", out[0].env.Term)
	}
}

func TestStaleTermProposalDiscardedWhenIdle(t *testing.T) {
	m := newMachine(2, []int{1, 3})
	m.handlePropose(transport.Propose(5, 1, 1, "v5", ""))
	if m.handleCommit(transport.Commit(5, 1, 1, "v5")) == nil {
		t.Fatal("commit announcement dropped")
	}

	// idle at term 5; a proposal from a node still at term 3 is stale
	if out := m.handlePropose(transport.Propose(3, 2, 3, "late", "")); out != nil {
		t.Fatalf("stale-term proposal produced output %+v", out)
	}
	if m.state != StateIdle || m.cur != nil {
		t.Fatalf("state=%v cur=%+v after stale proposal", m.state, m.cur)
	}

	// term at or above the local one is still live
	if out := m.handlePropose(transport.Propose(6, 2, 3, "fresh", "")); len(out) != 1 || !out[0].env.Accept {
		t.Fatalf("expected accept for fresh proposal, got %+v", out)
	}
}
