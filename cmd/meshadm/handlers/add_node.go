package handlers

import (
	"context"
	"fmt"

	"github.com/meshadm/meshadm/internal/bootstrap"
	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/mesh"
	"github.com/meshadm/meshadm/internal/util/ptr"
)

// saveRoster writes the roster back to disk. Factory variable - can be
// replaced in tests.
var saveRoster = func(cfg *config.Config, path string) error {
	return cfg.Save(path)
}

// AddNodeOptions carries the add-node command's flags.
type AddNodeOptions struct {
	ConfigPath      string
	Hostname        string
	ExternalAddress string
	VPNAddress      string
	Role            string
	Interface       string
	Bootstrap       bool
	SkipMeshCheck   bool
	Verbose         bool
}

// AddNode handles the add-node command.
//
// The new node gets the next unused ordinal, so existing pod CIDR
// allocations never move. With Bootstrap set, the mesh is re-peered and
// the node is joined in the same invocation.
func AddNode(ctx context.Context, opts AddNodeOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	node, err := buildNodeSpec(cfg, opts)
	if err != nil {
		return err
	}

	cfg.Nodes = append(cfg.Nodes, *node)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := saveRoster(cfg, opts.ConfigPath); err != nil {
		return err
	}
	fmt.Printf("Added %s to the roster (role %s, VPN %s, ordinal %d).\n",
		node.Hostname, node.Role, node.VPNAddress, node.Ord())

	if !opts.Bootstrap {
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  meshadm mesh up                  # distribute the new peer everywhere")
		fmt.Printf("  meshadm bootstrap --role=%s  # join the node\n", node.Role)
		return nil
	}

	return bootstrapNewNode(ctx, cfg, opts, node)
}

// buildNodeSpec assembles and addresses the new node.
func buildNodeSpec(cfg *config.Config, opts AddNodeOptions) (*config.NodeSpec, error) {
	role := config.Role(opts.Role)
	if role != config.RoleWorker && role != config.RoleControlPlane {
		return nil, fmt.Errorf("%w: role must be %q or %q, got %q",
			config.ErrConfig, config.RoleControlPlane, config.RoleWorker, opts.Role)
	}
	if cfg.Node(opts.Hostname) != nil {
		return nil, fmt.Errorf("%w: node %s is already in the roster", config.ErrConfig, opts.Hostname)
	}
	if role == config.RoleControlPlane {
		if cp, err := cfg.ControlPlane(); err == nil {
			return nil, fmt.Errorf("%w: roster already has control-plane node %s (meshadm runs a single control plane)",
				config.ErrConfig, cp.Hostname)
		}
	}

	vpnAddress := opts.VPNAddress
	if vpnAddress == "" {
		var err error
		vpnAddress, err = nextFreeVPNAddress(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &config.NodeSpec{
		Hostname:        opts.Hostname,
		ExternalAddress: opts.ExternalAddress,
		VPNAddress:      vpnAddress,
		Interface:       opts.Interface,
		Role:            role,
		Ordinal:         ptr.Int(cfg.NextOrdinal()),
	}, nil
}

// nextFreeVPNAddress walks the VPN network for the first host address no
// roster node uses yet.
func nextFreeVPNAddress(cfg *config.Config) (string, error) {
	used := make(map[string]bool, len(cfg.Nodes))
	for i := range cfg.Nodes {
		used[cfg.Nodes[i].VPNAddress] = true
	}

	for host := 1; ; host++ {
		addr, err := config.CIDRHost(cfg.VPN.CIDR, host)
		if err != nil {
			return "", fmt.Errorf("%w: no free address left in vpn.cidr %s", config.ErrConfig, cfg.VPN.CIDR)
		}
		if !used[addr] {
			return addr, nil
		}
	}
}

// bootstrapNewNode re-peers the mesh and joins the node in one go.
func bootstrapNewNode(ctx context.Context, cfg *config.Config, opts AddNodeOptions, node *config.NodeSpec) error {
	store, err := openStore(cfg, opts.ConfigPath)
	if err != nil {
		return err
	}

	log := newLogger(opts.Verbose)
	dial := newDial(cfg)

	fmt.Println()
	fmt.Println("Re-peering the mesh...")
	manager := newMeshManager(cfg, store, log, mesh.DialFunc(dial))
	if err := manager.Up(ctx); err != nil {
		return fmt.Errorf("mesh up failed: %w", err)
	}

	fmt.Printf("Bootstrapping %s...\n", node.Hostname)
	roles := bootstrap.RoleWorker
	if node.IsControlPlane() {
		roles = bootstrap.RoleControlPlane
	}

	engine := newEngine(cfg, store, config.LoadTimeouts(), bootstrap.NewLogrusObserver(log), dial)
	runErr := engine.Run(ctx, bootstrap.Options{
		Roles:         roles,
		SkipMeshCheck: opts.SkipMeshCheck,
	})

	printBootstrapSummary(cfg, store, roles)

	if runErr != nil {
		return fmt.Errorf("bootstrap failed: %w", runErr)
	}
	pushStateBackup(ctx, cfg, store, log)
	return nil
}
