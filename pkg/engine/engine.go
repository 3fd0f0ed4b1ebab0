package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/graphmesh/go-quorum/pkg/collector"
	"github.com/graphmesh/go-quorum/pkg/commitlog"
	"github.com/graphmesh/go-quorum/pkg/discovery"
	"github.com/graphmesh/go-quorum/pkg/internal/logutil"
	"github.com/graphmesh/go-quorum/pkg/observability/metrics"
	"github.com/graphmesh/go-quorum/pkg/observability/tracing"
	"github.com/graphmesh/go-quorum/pkg/transport"
)

var (
	// ErrStopped is returned when the engine is asked to act after Run exited.
	ErrStopped = errors.New("engine: stopped")
	// ErrBusy is returned by Propose when a round is already in flight and
	// the proposal queue is full.
	ErrBusy = errors.New("engine: proposal queue full")
)

const (
	defaultRoundTimeout = 2 * time.Second
	defaultBackoffBase  = 200 * time.Millisecond
	defaultBackoffMax   = 5 * time.Second
	proposalQueue       = 16
)

// Options configures a consensus engine for a single node.
type Options struct {
	// NodeID is this node's index in the topology, and its voter identity.
	NodeID int
	// Peers are the configured neighbors the engine exchanges rounds with.
	// Quorum is counted over this set plus the node itself, whether or not
	// a peer is currently reachable.
	Peers []discovery.Peer
	// Transport delivers envelopes to and from peers. Typically wrapped in
	// a transport.Guard so non-neighbor traffic never reaches the engine.
	Transport transport.Transport
	// Log is the durable commit log. Every commit is appended and fsynced
	// before it is announced or reported.
	Log *commitlog.Log
	// Collector receives committed records. Optional: a nil collector
	// disables reporting without affecting round progress.
	Collector *collector.Client

	RoundTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration

	Logger *log.Logger
}

func (o *Options) validate() error {
	if o.NodeID < 0 {
		return fmt.Errorf("engine: node id %d out of range", o.NodeID)
	}
	if o.Transport == nil {
		return errors.New("engine: transport is required")
	}
	if o.Log == nil {
		return errors.New("engine: commit log is required")
	}
	if o.RoundTimeout <= 0 {
		o.RoundTimeout = defaultRoundTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return nil
}

// View is a point-in-time snapshot of the engine for status reporting.
type View struct {
	NodeID int    `json:"nodeId"`
	Term   uint64 `json:"term"`
	Round  uint64 `json:"round"`
	State  string `json:"state"`
	Quorum int    `json:"quorum"`
	Peers  int    `json:"peers"`
}

type proposeReq struct {
	value string
	runID string
}

// Engine drives the round lifecycle for one node: it proposes local values,
// votes on peer proposals, commits on quorum, and retries abandoned rounds
// with exponential backoff. All state is owned by the Run goroutine.
type Engine struct {
	opts Options
	m    *machine

	proposeCh chan proposeReq
	commitCh  chan commitlog.CommitRecord
	viewCh    chan chan View

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(opts.Peers))
	for _, p := range opts.Peers {
		if p.ID != opts.NodeID {
			ids = append(ids, p.ID)
		}
	}
	return &Engine{
		opts:      opts,
		m:         newMachine(opts.NodeID, ids),
		proposeCh: make(chan proposeReq, proposalQueue),
		commitCh:  make(chan commitlog.CommitRecord, proposalQueue),
		viewCh:    make(chan chan View),
		stopped:   make(chan struct{}),
	}, nil
}

// Propose submits a value for consensus. The round runs asynchronously;
// watch Commits for the outcome.
func (e *Engine) Propose(ctx context.Context, value, runID string) error {
	select {
	case e.proposeCh <- proposeReq{value: value, runID: runID}:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBusy
	}
}

// Commits emits one record per round this node commits, proposer or voter.
func (e *Engine) Commits() <-chan commitlog.CommitRecord { return e.commitCh }

// Snapshot returns the engine's current view. Safe from any goroutine.
func (e *Engine) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case e.viewCh <- reply:
	case <-e.stopped:
		return View{}, ErrStopped
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Run processes proposals, inbound envelopes and timers until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stopOnce.Do(func() { close(e.stopped) })

	roundTimer := time.NewTimer(0)
	if !roundTimer.Stop() {
		<-roundTimer.C
	}
	retryTimer := time.NewTimer(0)
	if !retryTimer.Stop() {
		<-retryTimer.C
	}
	timerArmed := false
	attempt := 0

	armRound := func() {
		if timerArmed && !roundTimer.Stop() {
			select {
			case <-roundTimer.C:
			default:
			}
		}
		roundTimer.Reset(e.opts.RoundTimeout)
		timerArmed = true
	}
	disarmRound := func() {
		if timerArmed && !roundTimer.Stop() {
			select {
			case <-roundTimer.C:
			default:
			}
		}
		timerArmed = false
	}

	begin := func(req proposeReq) {
		if e.m.state != StateIdle {
			logutil.Debugf(e.opts.Logger, "node %d: round in flight, proposal deferred", e.m.self)
			return
		}
		out := e.m.propose(req.value, req.runID)
		metrics.RoundsStarted.Inc()
		metrics.CurrentTerm.Set(float64(e.m.term))
		metrics.CurrentRound.Set(float64(e.m.round))
		e.sendAll(ctx, out)
		if e.m.quorumReached() {
			// single-member quorum: decided locally
			e.finalize(ctx, e.m.commitCurrent(), true)
			disarmRound()
			attempt = 0
			return
		}
		e.m.beginVoting()
		armRound()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-e.proposeCh:
			begin(req)

		case reply := <-e.viewCh:
			reply <- View{
				NodeID: e.m.self,
				Term:   e.m.term,
				Round:  e.m.round,
				State:  e.m.state.String(),
				Quorum: e.m.quorum,
				Peers:  len(e.m.peers),
			}

		case in, ok := <-e.opts.Transport.Receive():
			if !ok {
				return ErrStopped
			}
			metrics.MessagesReceived.WithLabelValues(string(in.Msg.Kind)).Inc()
			if in.Msg.Kind == transport.KindVote {
				metrics.VotesReceived.WithLabelValues(fmt.Sprintf("%t", in.Msg.Accept)).Inc()
			}
			prev := e.m.cur
			out, rec := e.m.handle(in)
			e.sendAll(ctx, out)
			if rec != nil {
				e.finalize(ctx, rec, in.Msg.Kind == transport.KindVote)
				disarmRound()
				attempt = 0
				break
			}
			switch {
			case in.Msg.Kind == transport.KindPropose && e.m.cur != prev:
				// adopted a proposal, ours (if any) lost the tie-break
				if prev != nil && prev.proposer == e.m.self {
					metrics.RoundsAbandoned.Inc()
				}
				armRound()
			case e.m.state == StateIdle:
				disarmRound()
			}
			metrics.CurrentTerm.Set(float64(e.m.term))
			metrics.CurrentRound.Set(float64(e.m.round))

		case <-roundTimer.C:
			timerArmed = false
			if e.m.state != StateVoting {
				break
			}
			retry := e.m.timeout()
			metrics.RoundsAbandoned.Inc()
			if !retry {
				attempt = 0
				break
			}
			delay := e.backoff(attempt)
			attempt++
			logutil.Warnf(e.opts.Logger, "node %d: round timed out short of quorum %d, retry %d in %s",
				e.m.self, e.m.quorum, attempt, delay)
			retryTimer.Reset(delay)

		case <-retryTimer.C:
			begin(proposeReq{value: e.m.pending, runID: e.m.runID})
		}
	}
}

// backoff returns the retry delay for the given attempt, doubling from the
// base up to the configured cap.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.opts.BackoffMax {
			return e.opts.BackoffMax
		}
	}
	if d > e.opts.BackoffMax {
		d = e.opts.BackoffMax
	}
	return d
}

func (e *Engine) sendAll(ctx context.Context, out []outMsg) {
	for _, msg := range out {
		if err := e.opts.Transport.Send(ctx, msg.to, msg.env); err != nil {
			// unreachable peers cost availability, not correctness
			logutil.Debugf(e.opts.Logger, "node %d: %s to peer %d failed: %v",
				e.m.self, msg.env.Kind, msg.to, err)
		}
	}
}

// finalize makes a commit durable, announces it when this node proposed it,
// and hands it to the collector. Append happens before any announcement.
func (e *Engine) finalize(ctx context.Context, rec *commitlog.CommitRecord, proposed bool) {
	ctx, end := tracing.StartSpan(ctx, "engine.commit")
	defer end()

	if err := e.opts.Log.Append(*rec); err != nil {
		logutil.Errorf(e.opts.Logger, "node %d: durable append for round %d failed: %v",
			rec.NodeID, rec.Round, err)
	}
	if proposed {
		env := transport.Commit(rec.Term, rec.Round, e.m.self, rec.Value)
		for _, id := range e.m.peers {
			if err := e.opts.Transport.Send(ctx, id, env); err != nil {
				logutil.Debugf(e.opts.Logger, "node %d: commit announce to peer %d failed: %v",
					e.m.self, id, err)
			}
		}
	}
	metrics.RoundsCommitted.Inc()
	metrics.CurrentRound.Set(float64(e.m.round))
	if e.opts.Collector != nil {
		e.opts.Collector.Enqueue(*rec)
	}
	select {
	case e.commitCh <- *rec:
	default:
		// observer not keeping up; the log remains the source of truth
	}
	logutil.Infof(e.opts.Logger, "node %d: committed round=%d term=%d value=%q witnesses=%v",
		rec.NodeID, rec.Round, rec.Term, rec.Value, rec.Witnesses)
}
