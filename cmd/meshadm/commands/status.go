package commands

import (
	"github.com/spf13/cobra"

	"github.com/meshadm/meshadm/cmd/meshadm/handlers"
	"github.com/meshadm/meshadm/internal/config"
)

// Status returns the command that shows the cluster as meshadm sees it.
//
// It merges three views per node: the roster (what should exist), the
// recorded bootstrap stage (what meshadm last did), and the live API server
// view (what the cluster reports). It works at every point of the cluster
// lifecycle, including before the first bootstrap.
func Status() *cobra.Command {
	var (
		configPath string
		jsonOutput bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-node bootstrap stage and cluster health",
		Long: `Show per-node bootstrap stage and cluster health.

For every roster node, status reports the recorded bootstrap stage, whether
the node is registered with the API server, its Ready condition, and the
assigned versus reported pod CIDR. Before the first bootstrap (or when the
API server is unreachable) the live columns are blank and a note says why.

Examples:
  meshadm status
  meshadm status --json
  meshadm status --watch`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := handlers.StatusOptions{
				ConfigPath: configPath,
				JSON:       jsonOutput,
				Watch:      watch,
			}
			return handlers.Status(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultRosterPath, "Path to the roster file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh continuously")

	return cmd
}
