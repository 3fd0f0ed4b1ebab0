package cli

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphmesh/go-quorum/pkg/config"
)

// runnerBase resolves the runner API base URL from the --addr flag or the
// parameter file's node_runner section.
func runnerBase(addr string) (string, error) {
	if addr != "" {
		return "http://" + addr, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	host := cfg.RunnerHost
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.RunnerPort)), nil
}

func fetch(base, path string) error {
	httpc := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpc.Get(base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	os.Stdout.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		fmt.Println()
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("runner returned status %d", resp.StatusCode)
	}
	return nil
}

func newStartCmd() *cobra.Command {
	var (
		addr   string
		rounds int
		runID  string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a consensus run on a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := runnerBase(addr)
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("rounds", strconv.Itoa(rounds))
			if runID != "" {
				q.Set("id", runID)
			}
			return fetch(base, "/start/consensus?"+q.Encode())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "runner address host:port (defaults to the parameter file)")
	cmd.Flags().IntVar(&rounds, "rounds", 1, "rounds to run")
	cmd.Flags().StringVar(&runID, "id", "", "join an existing run instead of originating one")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a node's engine view and run state",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := runnerBase(addr)
			if err != nil {
				return err
			}
			return fetch(base, "/status")
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "runner address host:port (defaults to the parameter file)")
	return cmd
}

func newDegreeCmd() *cobra.Command {
	var (
		addr string
		host string
	)
	cmd := &cobra.Command{
		Use:   "degree",
		Short: "Query a host's degree in the configured topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := runnerBase(addr)
			if err != nil {
				return err
			}
			q := url.Values{}
			if host != "" {
				q.Set("host", host)
			}
			path := "/degree"
			if enc := q.Encode(); enc != "" {
				path += "?" + enc
			}
			return fetch(base, path)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "runner address host:port (defaults to the parameter file)")
	cmd.Flags().StringVar(&host, "host", "", "host to query (defaults to the answering node)")
	return cmd
}
