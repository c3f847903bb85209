package commands

import (
	"github.com/spf13/cobra"

	"github.com/meshadm/meshadm/cmd/meshadm/handlers"
	"github.com/meshadm/meshadm/internal/config"
)

// Init returns the command for interactively creating a cluster roster.
//
// This command guides users through creating a roster YAML file using an
// interactive wizard with text inputs and single-select prompts.
//
// Flags:
//
//	--output, -o: Path to the output file (default "meshadm.yaml")
func Init() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively create a cluster roster",
		Long: `Interactively create a cluster roster file.

This command guides you through describing your cluster step by step.
It will ask about:

  - Cluster identity (name)
  - SSH access (user and private key)
  - Addressing (VPN network, pod supernet, service CIDR)
  - Kubernetes version and pod network (Flannel or Cilium)
  - The machines themselves (hostname and address per node)

VPN addresses and pod CIDR ordinals are assigned automatically, so you
only provide each machine's hostname and public address. The generated
roster is explicit and fully editable afterwards.

Example:
  meshadm init
  meshadm init -o production.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Init(cmd.Context(), outputPath)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", config.DefaultRosterPath, "Output file path")

	return cmd
}
