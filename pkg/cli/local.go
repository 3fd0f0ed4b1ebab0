package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphmesh/go-quorum/pkg/config"
	"github.com/graphmesh/go-quorum/pkg/internal/logutil"
	"github.com/graphmesh/go-quorum/pkg/observability/metrics"
	"github.com/graphmesh/go-quorum/pkg/runner"
)

func newLocalCmd() *cobra.Command {
	var (
		rounds int
		origin int
		logDir string
	)
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Host every graph node in one process and drive rounds in-memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.MultiProcess {
				return fmt.Errorf("parameter file does not enable multi-process mode")
			}
			logutil.SetLevel(cfg.LogLevel)
			metrics.Register()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			l, err := runner.NewLocal(runner.LocalOptions{
				Graph:        cfg.Graph,
				LogDir:       logDir,
				RoundTimeout: 2 * time.Second,
			})
			if err != nil {
				return err
			}
			defer l.Close()
			l.Start(ctx)

			started := time.Now()
			runID, err := l.RunRounds(ctx, origin, rounds)
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}
			fmt.Fprintf(os.Stdout, "run %s: %d rounds from node %d in %s\n",
				runID, rounds, origin, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 1, "rounds to run")
	cmd.Flags().IntVar(&origin, "origin", 0, "node that proposes each round")
	cmd.Flags().StringVar(&logDir, "log-dir", ".", "directory for per-node commit logs")
	return cmd
}
