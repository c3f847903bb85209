package commands

import (
	"github.com/spf13/cobra"

	"github.com/meshadm/meshadm/cmd/meshadm/handlers"
	"github.com/meshadm/meshadm/internal/config"
)

// Mesh returns the parent command for WireGuard mesh operations.
//
// The mesh is the substrate everything else runs on: every node gets a key
// pair and a full-mesh peer configuration, and all cluster traffic flows
// inside it. Subcommands bring the mesh up, inspect per-peer handshakes,
// and tear it down.
func Mesh() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "mesh",
		Short: "Manage the WireGuard mesh between nodes",
		Long: `Manage the WireGuard mesh between nodes.

Every node is peered with every other node over WireGuard. Keys are
generated on the nodes and never leave them; meshadm only collects the
public halves and distributes peer configurations.

Examples:
  meshadm mesh up
  meshadm mesh status
  meshadm mesh down`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultRosterPath, "Path to the roster file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug-level logging")

	cmd.AddCommand(meshUp(&configPath, &verbose))
	cmd.AddCommand(meshStatus(&configPath, &verbose))
	cmd.AddCommand(meshDown(&configPath, &verbose))

	return cmd
}

// meshUp returns the subcommand that builds or repairs the full mesh.
func meshUp(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Generate keys and peer every node with every other node",
		Long: `Generate keys and peer every node with every other node.

Idempotent: existing keys are kept, configurations are rewritten, and the
interface is (re)started. Run it again after adding a node to distribute
the new peer everywhere.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.MeshUp(cmd.Context(), handlers.MeshOptions{ConfigPath: *configPath, Verbose: *verbose})
		},
	}
}

// meshStatus returns the subcommand that reports per-peer handshakes.
func meshStatus(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show interface liveness and peer handshakes per node",
		Long: `Show interface liveness and peer handshakes per node.

Each node is asked for its WireGuard handshake table; a peer without a
recent handshake usually means a firewall or NAT problem between the two
machines. Unreachable nodes are reported in place, never fatal.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.MeshStatus(cmd.Context(), handlers.MeshOptions{ConfigPath: *configPath, Verbose: *verbose})
		},
	}
}

// meshDown returns the subcommand that stops the mesh everywhere.
func meshDown(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Bring the WireGuard interface down on every node",
		Long: `Bring the WireGuard interface down on every node.

Configurations and keys stay on the nodes, so 'meshadm mesh up' restores
the mesh without re-keying. A running cluster loses all internal traffic
when the mesh goes down.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.MeshDown(cmd.Context(), handlers.MeshOptions{ConfigPath: *configPath, Verbose: *verbose})
		},
	}
}
