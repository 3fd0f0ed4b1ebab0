package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/graphmesh/go-quorum/pkg/commitlog"
	"github.com/graphmesh/go-quorum/pkg/discovery"
	"github.com/graphmesh/go-quorum/pkg/engine"
	"github.com/graphmesh/go-quorum/pkg/internal/logutil"
	"github.com/graphmesh/go-quorum/pkg/topology"
	"github.com/graphmesh/go-quorum/pkg/transport"
	"github.com/graphmesh/go-quorum/pkg/transport/inmem"
)

// LocalOptions configures a single-process cluster hosting every node of
// the topology over an in-memory transport.
type LocalOptions struct {
	Graph *topology.Graph
	// Values holds the per-node payloads; index i proposes Values[i].
	// Missing entries default to the node's address.
	Values []string
	// LogDir receives one commit log per node. Empty means logs are
	// written to the working directory.
	LogDir string
	// RoundTimeout and friends are passed through to each engine.
	RoundTimeout time.Duration
	BackoffBase  time.Duration

	Logger *log.Logger
}

// Local runs the whole topology in one process. Each node gets its own
// engine, commit log and guarded in-memory endpoint, so the round exchange
// is identical to the networked deployment minus the wire.
type Local struct {
	opts    LocalOptions
	hub     *inmem.Hub
	engines []*engine.Engine
	logs    []*commitlog.Log
}

func NewLocal(opts LocalOptions) (*Local, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("runner: graph is required")
	}
	if err := opts.Graph.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[local] ", log.LstdFlags)
	}

	n := opts.Graph.Size()
	l := &Local{
		opts:    opts,
		hub:     inmem.NewHub(),
		engines: make([]*engine.Engine, n),
		logs:    make([]*commitlog.Log, n),
	}
	for i := 0; i < n; i++ {
		ep, err := l.hub.Register(i)
		if err != nil {
			l.Close()
			return nil, err
		}
		clog, err := commitlog.Open(filepath.Join(opts.LogDir, fmt.Sprintf("node-%d.commits", i)))
		if err != nil {
			l.Close()
			return nil, err
		}
		l.logs[i] = clog

		peers := make([]discovery.Peer, 0)
		for _, id := range opts.Graph.Neighbors(i) {
			peers = append(peers, discovery.Peer{ID: id, Addr: opts.Graph.Addr(id), State: discovery.StateAlive})
		}
		eng, err := engine.New(engine.Options{
			NodeID:       i,
			Peers:        peers,
			Transport:    transport.NewGuard(ep, opts.Graph, i),
			Log:          clog,
			RoundTimeout: opts.RoundTimeout,
			BackoffBase:  opts.BackoffBase,
			Logger:       opts.Logger,
		})
		if err != nil {
			l.Close()
			return nil, err
		}
		l.engines[i] = eng
	}
	return l, nil
}

// Start launches every engine. The engines stop when ctx is cancelled.
func (l *Local) Start(ctx context.Context) {
	for _, e := range l.engines {
		go e.Run(ctx)
	}
}

// Engine returns node i's engine.
func (l *Local) Engine(i int) *engine.Engine { return l.engines[i] }

// value returns the payload node i proposes.
func (l *Local) value(i int) string {
	if i < len(l.opts.Values) && l.opts.Values[i] != "" {
		return l.opts.Values[i]
	}
	return l.opts.Graph.Addr(i)
}

// RunRounds drives the given number of rounds originated by node origin and
// waits until every node has recorded each round. It returns the run id.
func (l *Local) RunRounds(ctx context.Context, origin, rounds int) (string, error) {
	if origin < 0 || origin >= len(l.engines) {
		return "", fmt.Errorf("runner: origin %d out of range", origin)
	}
	runID := uuid.NewString()
	wait := l.opts.RoundTimeout
	if wait <= 0 {
		wait = defaultRoundWait
	}

	participants := append([]int{origin}, l.opts.Graph.Neighbors(origin)...)
	for r := 0; r < rounds; r++ {
		if err := l.engines[origin].Propose(ctx, l.value(origin), runID); err != nil {
			return runID, fmt.Errorf("round %d: %w", r+1, err)
		}
		for _, id := range participants {
			select {
			case rec := <-l.engines[id].Commits():
				logutil.Debugf(l.opts.Logger, "node %d recorded round %d value %q", id, rec.Round, rec.Value)
			case <-time.After(wait * 4):
				return runID, fmt.Errorf("round %d: node %d recorded no commit", r+1, id)
			case <-ctx.Done():
				return runID, ctx.Err()
			}
		}
	}
	return runID, nil
}

// Close releases the hub and every commit log.
func (l *Local) Close() error {
	var first error
	if err := l.hub.Close(); err != nil && first == nil {
		first = err
	}
	for _, clog := range l.logs {
		if clog == nil {
			continue
		}
		if err := clog.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
