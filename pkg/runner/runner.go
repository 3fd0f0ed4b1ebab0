// Package runner exposes the node-runner HTTP API: it starts consensus runs,
// fans the kickoff out to neighbor runners, and answers topology and status
// queries for operators and the collector.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphmesh/go-quorum/pkg/collector"
	"github.com/graphmesh/go-quorum/pkg/engine"
	"github.com/graphmesh/go-quorum/pkg/internal/logutil"
	"github.com/graphmesh/go-quorum/pkg/topology"
)

var (
	// ErrRunActive is returned when a start request arrives while a run is
	// already in flight on this node.
	ErrRunActive = errors.New("runner: run already active")
)

const (
	defaultRoundWait  = 30 * time.Second
	kickoffAttempts   = 3
	defaultHTTPClient = 5 * time.Second
)

// Options configures the node runner.
type Options struct {
	// NodeID is this node's index in the topology.
	NodeID int
	// Graph supplies neighbor hostnames for kickoff fan-out and the
	// degree endpoint.
	Graph *topology.Graph
	// Engine drives the consensus rounds for this node.
	Engine *engine.Engine
	// Collector is used for run lifecycle messages and statistics.
	// Optional.
	Collector *collector.Client
	// Value is the payload this node proposes each round, typically
	// loaded from the configured data file.
	Value string
	// Bind is the listen address, e.g. ":5000".
	Bind string
	// RunnerPort is the port neighbor runners listen on; fan-out targets
	// http://<neighbor-host>:<RunnerPort>.
	RunnerPort int
	// RoundWait bounds how long one round may take before the run aborts.
	RoundWait time.Duration

	Logger *log.Logger
}

func (o *Options) validate() error {
	if o.Graph == nil {
		return errors.New("runner: graph is required")
	}
	if o.Engine == nil {
		return errors.New("runner: engine is required")
	}
	if o.NodeID < 0 || o.NodeID >= o.Graph.Size() {
		return fmt.Errorf("runner: node id %d outside graph of %d nodes", o.NodeID, o.Graph.Size())
	}
	if o.Bind == "" {
		o.Bind = ":5000"
	}
	if o.RoundWait <= 0 {
		o.RoundWait = defaultRoundWait
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[runner] ", log.LstdFlags)
	}
	return nil
}

type runState struct {
	ID      string    `json:"id"`
	Rounds  int       `json:"rounds"`
	Done    int       `json:"done"`
	Started time.Time `json:"started"`
	Err     string    `json:"error,omitempty"`
}

// Runner serves the node-runner API and drives runs against the engine.
type Runner struct {
	opts  Options
	httpc *http.Client
	srv   *http.Server

	mu     sync.Mutex
	seen   map[string]time.Time // run ids already started here, for fan-out dedupe
	active *runState
	last   *runState
}

// seenTTL bounds the dedupe window. A kickoff only echoes back within
// seconds of the originating request, so expired ids are pruned rather
// than kept for the life of the runner.
const seenTTL = 10 * time.Minute

func New(opts Options) (*Runner, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		opts:  opts,
		httpc: &http.Client{Timeout: defaultHTTPClient},
		seen:  make(map[string]time.Time),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/start/consensus", r.handleStart)
	mux.HandleFunc("/degree", r.handleDegree)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/healthz", r.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	r.srv = &http.Server{
		Addr:              opts.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return r, nil
}

// Serve blocks serving the HTTP API until ctx is cancelled.
func (r *Runner) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the runner's mux, mainly for tests.
func (r *Runner) Handler() http.Handler { return r.srv.Handler }

// handleStart begins a consensus run. The run id dedupes the kickoff
// fan-out: a node that has already joined run id ignores repeats, so the
// fan-out terminates on cyclic topologies.
func (r *Runner) handleStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	rounds := 1
	if tc := req.URL.Query().Get("rounds"); tc != "" {
		n, err := strconv.Atoi(tc)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rounds must be a positive integer"})
			return
		}
		rounds = n
	}
	id := req.URL.Query().Get("id")
	fanOut := id == "" // only the originating node propagates the kickoff
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	r.mu.Lock()
	if ts, dup := r.seen[id]; dup && now.Sub(ts) < seenTTL {
		r.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "already joined"})
		return
	}
	if r.active != nil {
		r.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": ErrRunActive.Error()})
		return
	}
	for old, ts := range r.seen {
		if now.Sub(ts) >= seenTTL {
			delete(r.seen, old)
		}
	}
	state := &runState{ID: id, Rounds: rounds, Started: time.Now().UTC()}
	r.seen[id] = now
	r.active = state
	r.mu.Unlock()

	go r.run(state, fanOut)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "rounds": rounds, "state": "started"})
}

// run drives one consensus run to completion in the background.
func (r *Runner) run(state *runState, fanOut bool) {
	ctx := context.Background()
	if r.opts.Collector != nil {
		r.opts.Collector.Message(ctx, fmt.Sprintf("node %d starting run %s (%d rounds)",
			r.opts.NodeID, state.ID, state.Rounds))
	}
	if fanOut {
		r.kickoff(ctx, state)
	}

	err := r.rounds(ctx, state)

	r.mu.Lock()
	if err != nil {
		state.Err = err.Error()
	}
	r.last = state
	r.active = nil
	r.mu.Unlock()

	if err != nil {
		logutil.Errorf(r.opts.Logger, "run %s aborted after %d/%d rounds: %v",
			state.ID, state.Done, state.Rounds, err)
	} else {
		logutil.Infof(r.opts.Logger, "run %s completed %d rounds in %s",
			state.ID, state.Done, time.Since(state.Started))
	}
	r.reportStats(ctx, state)
}

// rounds proposes this node's value once per round and waits for each
// round's commit. A round committing a contending node's value still
// advances the run.
func (r *Runner) rounds(ctx context.Context, state *runState) error {
	for i := 0; i < state.Rounds; i++ {
		if err := r.opts.Engine.Propose(ctx, r.opts.Value, state.ID); err != nil {
			return fmt.Errorf("propose round %d: %w", i+1, err)
		}
		select {
		case rec := <-r.opts.Engine.Commits():
			logutil.Debugf(r.opts.Logger, "run %s round %d committed value %q", state.ID, rec.Round, rec.Value)
			r.mu.Lock()
			state.Done++
			r.mu.Unlock()
		case <-time.After(r.opts.RoundWait):
			return fmt.Errorf("round %d: no commit within %s", i+1, r.opts.RoundWait)
		}
	}
	return nil
}

// kickoff propagates the run to every neighbor runner with bounded retries.
func (r *Runner) kickoff(ctx context.Context, state *runState) {
	for _, id := range r.opts.Graph.Neighbors(r.opts.NodeID) {
		host := r.opts.Graph.Addr(id)
		url := fmt.Sprintf("http://%s:%d/start/consensus?rounds=%d&id=%s",
			host, r.opts.RunnerPort, state.Rounds, state.ID)
		if err := r.get(ctx, url); err != nil {
			// an unreachable neighbor degrades quorum, not the run
			logutil.Warnf(r.opts.Logger, "kickoff to %s failed: %v", host, err)
			if r.opts.Collector != nil {
				r.opts.Collector.Message(ctx, fmt.Sprintf("node %d: kickoff to %s for run %s failed: %v",
					r.opts.NodeID, host, state.ID, err))
			}
		}
	}
}

func (r *Runner) get(ctx context.Context, url string) error {
	var lastErr error
	for attempt := 0; attempt < kickoffAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := r.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}

func (r *Runner) reportStats(ctx context.Context, state *runState) {
	if r.opts.Collector == nil {
		return
	}
	now := time.Now().UTC()
	stats := []collector.Statistic{
		{Timestamp: now, RunID: state.ID, Type: "rounds_requested", Value: strconv.Itoa(state.Rounds)},
		{Timestamp: now, RunID: state.ID, Type: "rounds_committed", Value: strconv.Itoa(state.Done)},
		{Timestamp: now, RunID: state.ID, Type: "run_seconds",
			Value: strconv.FormatFloat(time.Since(state.Started).Seconds(), 'f', 3, 64)},
	}
	if err := r.opts.Collector.Statistics(ctx, stats); err != nil {
		logutil.Warnf(r.opts.Logger, "statistics for run %s not delivered: %v", state.ID, err)
	}
}

// handleDegree reports the degree of the named host, or of this node when
// host is omitted. Self-loops do not count toward degree.
func (r *Runner) handleDegree(w http.ResponseWriter, req *http.Request) {
	host := req.URL.Query().Get("host")
	id := r.opts.NodeID
	if host != "" {
		idx := r.opts.Graph.Index(host)
		if idx < 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown host %q", host)})
			return
		}
		id = idx
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":   r.opts.Graph.Addr(id),
		"node":   id,
		"degree": r.opts.Graph.Degree(id),
	})
}

func (r *Runner) handleStatus(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	view, err := r.opts.Engine.Snapshot(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	r.mu.Lock()
	var active, last *runState
	if r.active != nil {
		cp := *r.active
		active = &cp
	}
	if r.last != nil {
		cp := *r.last
		last = &cp
	}
	r.mu.Unlock()

	out := map[string]any{"engine": view}
	if r.opts.Collector != nil {
		out["collectorDegraded"] = r.opts.Collector.Degraded()
	}
	if active != nil {
		out["activeRun"] = active
	}
	if last != nil {
		out["lastRun"] = last
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runner) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
