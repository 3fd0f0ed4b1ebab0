// Package config loads and validates the per-node parameter file.
//
// The file uses INI sections ([consensus], [node_runner], [logging], [network],
// [graph], [data], [collector]) with the graph node list and adjacency matrix
// embedded as JSON values. All validation failures are fatal configuration
// errors: the process must refuse to start before any network resource opens.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"gopkg.in/ini.v1"

	"github.com/graphmesh/go-quorum/pkg/topology"
)

// ErrConfig marks fatal, startup-only configuration errors. It is never
// recovered at runtime.
var ErrConfig = errors.New("config: invalid configuration")

// DiscoverySpecified is the only discovery mode currently supported: the full
// peer set is static and given by the [graph] section.
const DiscoverySpecified = "specified"

// Config is the validated view of a node parameter file.
type Config struct {
	// [consensus]
	ConsensusPort int    // inter-node message port
	Discovery     string // peer discovery mode
	MultiProcess  bool   // host all graph nodes in one process
	GossipPort    int    // membership liveness bind port

	// [node_runner]
	RunnerHost string
	RunnerPort int

	// [logging]
	LogLevel int // inverted convention: lower means more verbose
	LogFile  string

	// [network]
	Iface string

	// [graph]
	NumNodes int
	Graph    *topology.Graph

	// [data]
	DataFile string

	// [collector]
	CollectorURL string
}

// Load reads and validates the parameter file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return fromFile(f)
}

// LoadBytes parses an in-memory parameter file. Used by tests and tooling.
func LoadBytes(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	cfg := &Config{
		Discovery:  DiscoverySpecified,
		RunnerHost: "0.0.0.0",
		LogLevel:   20,
	}

	cons := f.Section("consensus")
	cfg.ConsensusPort = cons.Key("port").MustInt(0)
	if v := cons.Key("node_discovery").String(); v != "" {
		cfg.Discovery = v
	}
	cfg.MultiProcess = cons.Key("MPI").MustBool(false)
	cfg.GossipPort = cons.Key("gossip_port").MustInt(0)

	nr := f.Section("node_runner")
	if v := nr.Key("host").String(); v != "" {
		cfg.RunnerHost = v
	}
	cfg.RunnerPort = nr.Key("port").MustInt(0)

	lg := f.Section("logging")
	cfg.LogLevel = lg.Key("level").MustInt(cfg.LogLevel)
	cfg.LogFile = lg.Key("log_file").String()

	cfg.Iface = f.Section("network").Key("iface").String()

	gr := f.Section("graph")
	cfg.NumNodes = gr.Key("num_nodes").MustInt(0)
	var nodes []string
	if raw := gr.Key("nodes").String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
			return nil, fmt.Errorf("%w: graph.nodes: %v", ErrConfig, err)
		}
	}
	var edges [][]int
	if raw := gr.Key("edges").String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &edges); err != nil {
			return nil, fmt.Errorf("%w: graph.edges: %v", ErrConfig, err)
		}
	}
	cfg.Graph = topology.New(nodes, edges)

	cfg.DataFile = f.Section("data").Key("file").String()
	cfg.CollectorURL = f.Section("collector").Key("url").String()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. It does not touch the network.
func (c *Config) Validate() error {
	if c.ConsensusPort <= 0 || c.ConsensusPort > 65535 {
		return fmt.Errorf("%w: consensus.port %d out of range", ErrConfig, c.ConsensusPort)
	}
	if c.RunnerPort <= 0 || c.RunnerPort > 65535 {
		return fmt.Errorf("%w: node_runner.port %d out of range", ErrConfig, c.RunnerPort)
	}
	if c.GossipPort == 0 {
		c.GossipPort = c.ConsensusPort + 1000
	}
	if c.GossipPort <= 0 || c.GossipPort > 65535 {
		return fmt.Errorf("%w: consensus.gossip_port %d out of range", ErrConfig, c.GossipPort)
	}
	if c.Discovery != DiscoverySpecified {
		return fmt.Errorf("%w: unsupported discovery mode %q", ErrConfig, c.Discovery)
	}
	if c.NumNodes != 0 && c.NumNodes != c.Graph.Size() {
		return fmt.Errorf("%w: graph.num_nodes is %d but %d nodes are listed", ErrConfig, c.NumNodes, c.Graph.Size())
	}
	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.CollectorURL != "" {
		u, err := url.Parse(c.CollectorURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: collector.url %q is not an absolute URL", ErrConfig, c.CollectorURL)
		}
	}
	return nil
}
