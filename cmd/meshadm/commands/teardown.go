package commands

import (
	"github.com/spf13/cobra"

	"github.com/meshadm/meshadm/cmd/meshadm/handlers"
	"github.com/meshadm/meshadm/internal/config"
)

// Teardown returns the command that reverts every node to a clean host.
//
// Workers are reset before the control plane so their Node objects can
// still be deleted through the API. Local state is cleared at the end, so
// the next bootstrap starts from scratch.
func Teardown() *cobra.Command {
	var (
		configPath string
		force      bool
		downMesh   bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Reset every node and clear local state",
		Long: `Reset every node and clear local state.

On each node this runs kubeadm reset, removes CNI artifacts, and restarts
containerd. With --down-mesh the WireGuard interface is brought down too;
otherwise the mesh survives and the roster can be bootstrapped again
immediately. The local state file and kubeconfig snapshot are deleted.

Teardown keeps going past per-node failures and reports them all at the
end, so a half-reachable cluster can still be dismantled.

Example:
  meshadm teardown
  meshadm teardown --down-mesh --force

WARNING: This operation is irreversible. All cluster data will be lost.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := handlers.TeardownOptions{
				ConfigPath: configPath,
				Force:      force,
				DownMesh:   downMesh,
				Verbose:    verbose,
			}
			return handlers.Teardown(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultRosterPath, "Path to the roster file")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&downMesh, "down-mesh", false, "Also bring the WireGuard interface down on every node")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug-level logging")

	return cmd
}
