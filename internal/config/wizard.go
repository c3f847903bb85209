package config

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/meshadm/meshadm/internal/util/ptr"
)

// WizardNode is one machine entered in the init wizard.
type WizardNode struct {
	Hostname        string
	ExternalAddress string
}

// WizardResult holds the user's choices from the init wizard.
type WizardResult struct {
	ClusterName       string
	SSHUser           string
	SSHKeyFile        string
	VPNCIDR           string
	PodSupernet       string
	ServiceCIDR       string
	KubernetesVersion string
	CNI               CNIType
	WorkerCount       int
	ControlPlane      WizardNode
	Workers           []WizardNode
}

// RunWizard walks the user through building a roster. Cluster-wide settings
// come first; a second form then collects one hostname/address pair per node,
// sized from the chosen worker count.
func RunWizard(ctx context.Context) (*WizardResult, error) {
	result := &WizardResult{
		// Defaults, shown pre-filled and editable.
		SSHUser:           "root",
		SSHKeyFile:        "~/.ssh/id_ed25519",
		VPNCIDR:           DefaultVPNCIDR,
		PodSupernet:       DefaultPodSupernet,
		ServiceCIDR:       DefaultServiceCIDR,
		KubernetesVersion: DefaultKubernetesVersion,
		CNI:               CNIFlannel,
		WorkerCount:       2,
	}

	settings := huh.NewForm(
		// Cluster identity
		huh.NewGroup(
			huh.NewInput().
				Title("Cluster name").
				Description("A unique name for your cluster (DNS-safe, lowercase)").
				Placeholder("my-cluster").
				Value(&result.ClusterName).
				Validate(validateClusterName),
		),

		// SSH access
		huh.NewGroup(
			huh.NewInput().
				Title("SSH user").
				Description("User meshadm logs in as on every node (needs root via sudo or is root)").
				Value(&result.SSHUser).
				Validate(validateRequired("SSH user")),

			huh.NewInput().
				Title("SSH private key").
				Description("Used for every node unless a node sets its own key").
				Value(&result.SSHKeyFile).
				Validate(validateRequired("SSH key path")),
		),

		// Addressing
		huh.NewGroup(
			huh.NewInput().
				Title("VPN network").
				Description("WireGuard overlay; each node is assigned one address from it").
				Value(&result.VPNCIDR).
				Validate(validateCIDR),

			huh.NewInput().
				Title("Pod supernet").
				Description("Carved into one /24 block per node").
				Value(&result.PodSupernet).
				Validate(validateCIDR),

			huh.NewInput().
				Title("Service CIDR").
				Description("Passed to kubeadm init").
				Value(&result.ServiceCIDR).
				Validate(validateCIDR),
		),

		// Cluster software
		huh.NewGroup(
			huh.NewInput().
				Title("Kubernetes version").
				Description("Pins the kubeadm, kubelet, and kubectl packages").
				Value(&result.KubernetesVersion).
				Validate(validateRequired("Kubernetes version")),

			huh.NewSelect[CNIType]().
				Title("Pod network").
				Description("flannel routes over the mesh; cilium is installed via Helm").
				Options(
					huh.NewOption("Flannel (host-gw over the mesh)", CNIFlannel),
					huh.NewOption("Cilium (eBPF, Helm chart)", CNICilium),
				).
				Value(&result.CNI),
		),

		// Roster size
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Number of workers").
				Description("The control plane is always a single separate node").
				Options(
					huh.NewOption("No workers (control plane only)", 0),
					huh.NewOption("1 worker", 1),
					huh.NewOption("2 workers", 2),
					huh.NewOption("3 workers", 3),
					huh.NewOption("4 workers", 4),
					huh.NewOption("5 workers", 5),
				).
				Value(&result.WorkerCount),
		),
	)

	if err := settings.RunWithContext(ctx); err != nil {
		return nil, fmt.Errorf("wizard canceled: %w", err)
	}

	result.ControlPlane.Hostname = "cp-1"
	result.Workers = make([]WizardNode, result.WorkerCount)
	for i := range result.Workers {
		result.Workers[i].Hostname = fmt.Sprintf("worker-%d", i+1)
	}

	groups := []*huh.Group{nodeGroup("Control plane", &result.ControlPlane)}
	for i := range result.Workers {
		groups = append(groups, nodeGroup(fmt.Sprintf("Worker %d", i+1), &result.Workers[i]))
	}

	if err := huh.NewForm(groups...).RunWithContext(ctx); err != nil {
		return nil, fmt.Errorf("wizard canceled: %w", err)
	}

	return result, nil
}

// nodeGroup builds the hostname/address inputs for one node.
func nodeGroup(title string, node *WizardNode) *huh.Group {
	return huh.NewGroup(
		huh.NewInput().
			Title(title+" hostname").
			Description("Must match what the machine reports as its hostname").
			Value(&node.Hostname).
			Validate(validateHostname),

		huh.NewInput().
			Title(title+" external address").
			Description("Public IP or DNS name SSH connects to").
			Placeholder("203.0.113.10").
			Value(&node.ExternalAddress).
			Validate(validateAddress),
	)
}

// ToConfig expands the wizard result into a full roster. VPN addresses are
// assigned sequentially from the VPN network, control plane first, so the
// operator never picks them by hand. Ordinals follow the same order.
func (r *WizardResult) ToConfig() (*Config, error) {
	cfg := &Config{
		ClusterName: r.ClusterName,
		SSHKeyFile:  r.SSHKeyFile,
		VPN:         VPNSpec{CIDR: r.VPNCIDR},
		Network:     NetworkSpec{PodSupernet: r.PodSupernet, ServiceCIDR: r.ServiceCIDR},
		Kubernetes:  KubernetesSpec{Version: r.KubernetesVersion},
		CNI:         CNISpec{Type: r.CNI},
	}

	entries := append([]WizardNode{r.ControlPlane}, r.Workers...)
	for i, entry := range entries {
		vpnAddr, err := CIDRHost(r.VPNCIDR, i+1)
		if err != nil {
			return nil, fmt.Errorf("%w: vpn.cidr %s has no room for %d nodes: %v",
				ErrConfig, r.VPNCIDR, len(entries), err)
		}

		role := RoleWorker
		if i == 0 {
			role = RoleControlPlane
		}
		cfg.Nodes = append(cfg.Nodes, NodeSpec{
			Hostname:        entry.Hostname,
			ExternalAddress: entry.ExternalAddress,
			VPNAddress:      vpnAddr,
			Role:            role,
			Ordinal:         ptr.Int(i),
			SSH:             SSHSpec{User: r.SSHUser},
		})
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateRequired rejects empty input.
func validateRequired(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

// validateClusterName validates the cluster name.
func validateClusterName(s string) error {
	if s == "" {
		return fmt.Errorf("cluster name is required")
	}
	if len(s) > 63 {
		return fmt.Errorf("cluster name must be 63 characters or less")
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("cluster name can only contain lowercase letters, numbers, and hyphens")
		}
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return fmt.Errorf("cluster name cannot start or end with a hyphen")
	}
	return nil
}

// validateHostname validates a node hostname. Dots are allowed so nodes can
// register under fully qualified names.
func validateHostname(s string) error {
	if s == "" {
		return fmt.Errorf("hostname is required")
	}
	if len(s) > 253 {
		return fmt.Errorf("hostname must be 253 characters or less")
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '.' {
			return fmt.Errorf("hostname can only contain lowercase letters, numbers, hyphens, and dots")
		}
	}
	if s[0] == '-' || s[len(s)-1] == '-' || s[0] == '.' || s[len(s)-1] == '.' {
		return fmt.Errorf("hostname cannot start or end with a hyphen or dot")
	}
	return nil
}

// validateAddress accepts an IP or a resolvable-looking DNS name.
func validateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if net.ParseIP(s) != nil {
		return nil
	}
	if strings.ContainsAny(s, " \t/") {
		return fmt.Errorf("invalid address %q (expected an IP or DNS name)", s)
	}
	return nil
}

// validateCIDR accepts an IPv4 CIDR.
func validateCIDR(s string) error {
	if s == "" {
		return fmt.Errorf("CIDR is required")
	}
	ip, _, err := net.ParseCIDR(s)
	if err != nil {
		return fmt.Errorf("invalid CIDR (expected e.g. 10.8.0.0/24)")
	}
	if ip.To4() == nil {
		return fmt.Errorf("only IPv4 networks are supported")
	}
	return nil
}
