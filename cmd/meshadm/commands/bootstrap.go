package commands

import (
	"github.com/spf13/cobra"

	"github.com/meshadm/meshadm/cmd/meshadm/handlers"
	"github.com/meshadm/meshadm/internal/config"
)

// Bootstrap returns the command that drives the roster to a running cluster.
//
// Every targeted node is taken through preparation, package install, kubeadm
// init or join, pod network attachment, and verification. Nodes progress in
// parallel and fail independently; re-running resumes each node from its last
// completed stage.
//
// Flags:
//
//	--config, -c: Path to the roster file (default "meshadm.yaml")
//	--role: Limit the run to "control-plane" or "worker" nodes (default "all")
//	--skip-mesh-check: Start without verifying the WireGuard mesh first
//	--verbose, -v: Debug-level logging
func Bootstrap() *cobra.Command {
	var (
		configPath    string
		role          string
		skipMeshCheck bool
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap Kubernetes on every node in the roster",
		Long: `Bootstrap Kubernetes on every node in the roster.

Each node moves through the same stages:

  Pending -> Prepared -> Installed -> Initialized or Joined
          -> NetworkAttached -> Verified

The control plane runs kubeadm init and is verified first; workers then
join it in parallel. All cluster traffic (API server, kubelet, pods)
stays inside the WireGuard mesh, so nodes can live in different clouds.

Progress is persisted per node after every stage. A failed run can simply
be re-run: finished nodes are no-ops and failed nodes resume from their
last completed stage. One node's failure never aborts the others.

Examples:
  # Bootstrap the whole roster
  meshadm bootstrap

  # Bootstrap only the control plane, then workers later
  meshadm bootstrap --role=control-plane
  meshadm bootstrap --role=worker

  # Bring nodes up even though the mesh check fails
  meshadm bootstrap --skip-mesh-check

The command exits 0 only when every targeted node reaches Verified.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := handlers.BootstrapOptions{
				ConfigPath:    configPath,
				Role:          role,
				SkipMeshCheck: skipMeshCheck,
				Verbose:       verbose,
			}
			return handlers.Bootstrap(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultRosterPath, "Path to the roster file")
	cmd.Flags().StringVar(&role, "role", "all", "Limit the run to one role: all, control-plane, or worker")
	cmd.Flags().BoolVar(&skipMeshCheck, "skip-mesh-check", false, "Start without verifying the WireGuard mesh first")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug-level logging")

	return cmd
}
