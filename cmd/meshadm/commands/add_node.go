package commands

import (
	"github.com/spf13/cobra"

	"github.com/meshadm/meshadm/cmd/meshadm/handlers"
	"github.com/meshadm/meshadm/internal/config"
)

// AddNode returns the command that grows the roster by one machine.
//
// The new node gets the next unused ordinal, so its pod CIDR never collides
// with or shifts any existing allocation. With --bootstrap the node is also
// meshed and joined immediately.
func AddNode() *cobra.Command {
	var (
		configPath      string
		hostname        string
		externalAddress string
		vpnAddress      string
		role            string
		iface           string
		runBootstrap    bool
		skipMeshCheck   bool
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:   "add-node",
		Short: "Add a machine to the roster",
		Long: `Add a machine to the roster.

The node is appended to the roster file with the next unused ordinal, so
its pod CIDR block is allocated fresh and existing nodes keep theirs.
When --vpn-address is omitted, the next free address in the VPN network
is assigned.

By default only the roster is updated; run 'meshadm mesh up' to peer the
new node and 'meshadm bootstrap --role=worker' to join it. Pass
--bootstrap to do both in one go.

Examples:
  # Register a new worker
  meshadm add-node --hostname worker-3 --external-address 198.51.100.7

  # Register and immediately join it to the cluster
  meshadm add-node --hostname worker-3 --external-address 198.51.100.7 --bootstrap`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := handlers.AddNodeOptions{
				ConfigPath:      configPath,
				Hostname:        hostname,
				ExternalAddress: externalAddress,
				VPNAddress:      vpnAddress,
				Role:            role,
				Interface:       iface,
				Bootstrap:       runBootstrap,
				SkipMeshCheck:   skipMeshCheck,
				Verbose:         verbose,
			}
			return handlers.AddNode(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultRosterPath, "Path to the roster file")
	cmd.Flags().StringVar(&hostname, "hostname", "", "Hostname of the new node (required)")
	cmd.Flags().StringVar(&externalAddress, "external-address", "", "Public IP or DNS name SSH connects to (required)")
	cmd.Flags().StringVar(&vpnAddress, "vpn-address", "", "Static mesh address (default: next free address)")
	cmd.Flags().StringVar(&role, "role", string(config.RoleWorker), "Node role: worker or control-plane")
	cmd.Flags().StringVar(&iface, "interface", "", "Physical interface WireGuard binds to (default eth0)")
	cmd.Flags().BoolVar(&runBootstrap, "bootstrap", false, "Mesh and bootstrap the node immediately")
	cmd.Flags().BoolVar(&skipMeshCheck, "skip-mesh-check", false, "With --bootstrap, start without verifying the mesh")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug-level logging")

	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("external-address")

	return cmd
}
