// Package cli wires the quorumctl commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// NewRootCmd builds the quorumctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quorumctl",
		Short:         "Run and operate graph-restricted consensus nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "params.conf", "path to the parameter file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newLocalCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newDegreeCmd())
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
