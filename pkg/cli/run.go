package cli

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphmesh/go-quorum/pkg/collector"
	"github.com/graphmesh/go-quorum/pkg/commitlog"
	"github.com/graphmesh/go-quorum/pkg/config"
	"github.com/graphmesh/go-quorum/pkg/discovery/specified"
	"github.com/graphmesh/go-quorum/pkg/engine"
	"github.com/graphmesh/go-quorum/pkg/internal/logutil"
	mlist "github.com/graphmesh/go-quorum/pkg/membership/memberlist"
	"github.com/graphmesh/go-quorum/pkg/netutil"
	"github.com/graphmesh/go-quorum/pkg/observability/metrics"
	"github.com/graphmesh/go-quorum/pkg/observability/tracing"
	"github.com/graphmesh/go-quorum/pkg/runner"
	"github.com/graphmesh/go-quorum/pkg/topology"
	"github.com/graphmesh/go-quorum/pkg/transport"
	"github.com/graphmesh/go-quorum/pkg/transport/grpcmesh"
)

func newRunCmd() *cobra.Command {
	var (
		nodeFlag  string
		valueFlag string
		valueFile string
		trace     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one consensus node: mesh transport, liveness gossip and the runner API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			nodeID, err := resolveNode(cfg.Graph, nodeFlag)
			if err != nil {
				return err
			}
			value := valueFlag
			if value == "" && valueFile != "" {
				value, err = firstLine(valueFile)
				if err != nil {
					return err
				}
			}
			return runNode(cmd.Context(), cfg, nodeID, value, trace)
		},
	}
	cmd.Flags().StringVar(&nodeFlag, "node", "", "this node's graph index or configured hostname (required)")
	cmd.Flags().StringVar(&valueFlag, "value", "", "payload proposed each round (defaults to this node's hostname)")
	cmd.Flags().StringVar(&valueFile, "value-file", "", "read the proposed payload from the first line of this file")
	cmd.Flags().BoolVar(&trace, "trace", false, "emit opentelemetry spans to stdout")
	cmd.MarkFlagRequired("node")
	return cmd
}

// firstLine reads the leading line of a payload file.
func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("value file %s is empty", path)
}

// resolveNode accepts either a numeric graph index or a configured hostname.
func resolveNode(g *topology.Graph, flag string) (int, error) {
	if n, err := strconv.Atoi(flag); err == nil {
		if n < 0 || n >= g.Size() {
			return 0, fmt.Errorf("node %d outside graph of %d nodes", n, g.Size())
		}
		return n, nil
	}
	if idx := g.Index(flag); idx >= 0 {
		return idx, nil
	}
	return 0, fmt.Errorf("node %q not in the configured node list", flag)
}

func runNode(parent context.Context, cfg *config.Config, nodeID int, value string, trace bool) error {
	logutil.SetLevel(cfg.LogLevel)
	nodePrefix := fmt.Sprintf("[node-%d] ", nodeID)
	logger := log.New(os.Stderr, nodePrefix, log.LstdFlags)
	if cfg.LogFile != "" {
		fl, err := logutil.NewFileLogger(cfg.LogFile, nodePrefix)
		if err != nil {
			return err
		}
		logger = fl
	}

	shutdownTracing, err := tracing.Setup(trace)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())
	metrics.Register()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bindIP := ""
	if cfg.Iface != "" {
		bindIP, err = netutil.IfaceIPv4(cfg.Iface)
		if err != nil {
			return fmt.Errorf("resolve interface %q: %w", cfg.Iface, err)
		}
	}

	g := cfg.Graph
	selfHost := g.Addr(nodeID)
	if value == "" {
		value = selfHost
	}

	// liveness gossip over the neighbor set
	mem, err := mlist.New(mlist.Options{
		NodeID: strconv.Itoa(nodeID),
		Bind:   net.JoinHostPort(bindIP, strconv.Itoa(cfg.GossipPort)),
		Meta:   map[string]string{"host": selfHost, "consensus": net.JoinHostPort(selfHost, strconv.Itoa(cfg.ConsensusPort))},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := mem.Start(ctx); err != nil {
		return err
	}
	defer mem.Stop()

	seeds := make([]string, 0)
	peerAddrs := make(map[int]string)
	for _, id := range g.Neighbors(nodeID) {
		host := g.Addr(id)
		seeds = append(seeds, net.JoinHostPort(host, strconv.Itoa(cfg.GossipPort)))
		peerAddrs[id] = net.JoinHostPort(host, strconv.Itoa(cfg.ConsensusPort))
	}
	if err := mem.Join(seeds); err != nil {
		// peers may come up later; gossip keeps retrying
		logutil.Warnf(logger, "gossip join incomplete: %v", err)
	}

	// inter-node envelope mesh
	mesh, err := grpcmesh.New(grpcmesh.Options{
		Self:   nodeID,
		Bind:   net.JoinHostPort(bindIP, strconv.Itoa(cfg.ConsensusPort)),
		Peers:  peerAddrs,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := mesh.Start(ctx); err != nil {
		return err
	}
	defer mesh.Close()
	guarded := transport.NewGuard(mesh, g, nodeID)

	disc := specified.New(g, nodeID, mem)
	peers, err := disc.Resolve(ctx)
	if err != nil {
		return err
	}

	logPath := cfg.DataFile
	if logPath == "" {
		logPath = "commits.log"
	}
	clog, err := commitlog.Open(logPath)
	if err != nil {
		return err
	}
	defer clog.Close()

	var coll *collector.Client
	if cfg.CollectorURL != "" {
		coll = collector.NewClient(cfg.CollectorURL, 5*time.Second, logger)
		go coll.Run(ctx)
		if err := coll.Replay(ctx, clog); err != nil {
			logutil.Warnf(logger, "history replay to collector failed: %v", err)
		}
	}

	eng, err := engine.New(engine.Options{
		NodeID:    nodeID,
		Peers:     peers,
		Transport: guarded,
		Log:       clog,
		Collector: coll,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	go eng.Run(ctx)

	r, err := runner.New(runner.Options{
		NodeID:     nodeID,
		Graph:      g,
		Engine:     eng,
		Collector:  coll,
		Value:      value,
		Bind:       net.JoinHostPort(cfg.RunnerHost, strconv.Itoa(cfg.RunnerPort)),
		RunnerPort: cfg.RunnerPort,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logutil.Infof(logger, "node %d (%s) up: consensus=%d gossip=%d runner=%d peers=%d",
		nodeID, selfHost, cfg.ConsensusPort, cfg.GossipPort, cfg.RunnerPort, len(peers))
	if err := r.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
