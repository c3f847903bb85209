package config

// Network and port defaults shared across packages.
const (
	// KubeAPIPort is the standard Kubernetes API server port.
	KubeAPIPort = 6443

	// DefaultWireGuardPort is the UDP port the mesh listens on.
	DefaultWireGuardPort = 51820

	// DefaultWireGuardInterface is the overlay device name.
	DefaultWireGuardInterface = "wg0"

	// DefaultVPNCIDR is the overlay network the init wizard proposes.
	DefaultVPNCIDR = "10.8.0.0/24"

	// DefaultPodSupernet is carved into per-node /24 blocks.
	DefaultPodSupernet = "10.244.0.0/16"

	// DefaultServiceCIDR is handed to kubeadm init.
	DefaultServiceCIDR = "10.96.0.0/12"

	// NodeCIDRPrefix is the prefix length of each node's pod block.
	NodeCIDRPrefix = 24

	// DefaultKubernetesVersion pins kubeadm/kubelet packages when the
	// roster does not.
	DefaultKubernetesVersion = "v1.31.0"

	// DefaultStatePath is where run state lands, relative to the roster.
	DefaultStatePath = ".meshadm/state.yaml"

	// DefaultRosterPath is the roster file meshadm looks for.
	DefaultRosterPath = "meshadm.yaml"
)
