// Package config defines the cluster roster and methods for loading,
// validating, and persisting it.
package config

import (
	"fmt"
	"sort"

	"github.com/meshadm/meshadm/internal/util/ptr"
)

// Role identifies what a node does in the cluster.
type Role string

const (
	RoleControlPlane Role = "control-plane"
	RoleWorker       Role = "worker"
)

// SSHSpec holds per-node SSH access settings.
type SSHSpec struct {
	User string `mapstructure:"user" yaml:"user"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`

	// KeyFile is the path to the private key. Empty falls back to the
	// cluster-wide default key.
	KeyFile string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// NodeSpec describes one machine in the roster. Specs are immutable after
// load; `meshadm add-node` appends a new spec and rewrites the roster file.
type NodeSpec struct {
	// Hostname is the unique node identity, used for kubelet registration
	// and state tracking.
	Hostname string `mapstructure:"hostname" yaml:"hostname"`

	// ExternalAddress is the public address SSH connects to.
	ExternalAddress string `mapstructure:"external_address" yaml:"external_address"`

	// VPNAddress is the node's static address on the WireGuard mesh. The
	// API server advertises on it and kubelets register with it, so traffic
	// between clouds stays inside the tunnel.
	VPNAddress string `mapstructure:"vpn_address" yaml:"vpn_address"`

	// Interface is the physical interface WireGuard binds to, e.g. eth0.
	Interface string `mapstructure:"interface" yaml:"interface,omitempty"`

	Role Role `mapstructure:"role" yaml:"role"`

	// Ordinal keys the node's Pod CIDR block. Assigned once when the
	// roster is first loaded and persisted; never reused, so removed nodes
	// do not shift later allocations.
	Ordinal *int `mapstructure:"ordinal" yaml:"ordinal,omitempty"`

	SSH SSHSpec `mapstructure:"ssh" yaml:"ssh"`
}

// Ord returns the assigned ordinal. Call only after Load, which guarantees
// assignment.
func (n *NodeSpec) Ord() int {
	if n.Ordinal == nil {
		return -1
	}
	return *n.Ordinal
}

// IsControlPlane reports whether the node hosts the control plane.
func (n *NodeSpec) IsControlPlane() bool {
	return n.Role == RoleControlPlane
}

// VPNSpec configures the WireGuard mesh.
type VPNSpec struct {
	// CIDR is the overlay network, e.g. 10.8.0.0/24. Every VPNAddress must
	// fall inside it.
	CIDR string `mapstructure:"cidr" yaml:"cidr"`

	// ListenPort is the UDP port WireGuard listens on, on every node.
	ListenPort int `mapstructure:"listen_port" yaml:"listen_port,omitempty"`

	// Interface is the WireGuard device name.
	Interface string `mapstructure:"interface" yaml:"interface,omitempty"`
}

// NetworkSpec configures cluster-internal addressing.
type NetworkSpec struct {
	// PodSupernet is carved into one /24 per node, keyed by ordinal.
	PodSupernet string `mapstructure:"pod_supernet" yaml:"pod_supernet,omitempty"`

	// ServiceCIDR is passed to kubeadm init.
	ServiceCIDR string `mapstructure:"service_cidr" yaml:"service_cidr,omitempty"`
}

// CNIType selects the pod network implementation.
type CNIType string

const (
	CNIFlannel CNIType = "flannel"
	CNICilium  CNIType = "cilium"
)

// CNISpec configures the pod network addon.
type CNISpec struct {
	Type CNIType `mapstructure:"type" yaml:"type,omitempty"`

	// Version pins the addon image/chart version.
	Version string `mapstructure:"version" yaml:"version,omitempty"`
}

// BackupSpec configures optional state snapshots to S3-compatible storage.
type BackupSpec struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
}

// StateSpec configures run-state persistence.
type StateSpec struct {
	// Path of the state file. Defaults to .meshadm/state.yaml next to the
	// roster.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	Backup BackupSpec `mapstructure:"backup" yaml:"backup"`
}

// KubernetesSpec pins cluster software versions.
type KubernetesSpec struct {
	Version string `mapstructure:"version" yaml:"version,omitempty"`
}

// Config is the full cluster roster, loaded from meshadm.yaml.
type Config struct {
	ClusterName string `mapstructure:"cluster_name" yaml:"cluster_name"`

	// SSHKeyFile is the default private key for nodes that do not set
	// their own.
	SSHKeyFile string `mapstructure:"ssh_key_file" yaml:"ssh_key_file,omitempty"`

	VPN        VPNSpec        `mapstructure:"vpn" yaml:"vpn"`
	Network    NetworkSpec    `mapstructure:"network" yaml:"network"`
	Kubernetes KubernetesSpec `mapstructure:"kubernetes" yaml:"kubernetes"`
	CNI        CNISpec        `mapstructure:"cni" yaml:"cni"`
	State      StateSpec      `mapstructure:"state" yaml:"state"`

	Nodes []NodeSpec `mapstructure:"nodes" yaml:"nodes"`
}

// ControlPlane returns the single control-plane node.
func (c *Config) ControlPlane() (*NodeSpec, error) {
	var found *NodeSpec
	for i := range c.Nodes {
		if c.Nodes[i].IsControlPlane() {
			if found != nil {
				return nil, fmt.Errorf("%w: multiple control-plane nodes (%s, %s)", ErrConfig, found.Hostname, c.Nodes[i].Hostname)
			}
			found = &c.Nodes[i]
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no control-plane node in roster", ErrConfig)
	}
	return found, nil
}

// Workers returns all worker nodes in roster order.
func (c *Config) Workers() []*NodeSpec {
	var workers []*NodeSpec
	for i := range c.Nodes {
		if !c.Nodes[i].IsControlPlane() {
			workers = append(workers, &c.Nodes[i])
		}
	}
	return workers
}

// Node returns the spec with the given hostname, or nil.
func (c *Config) Node(hostname string) *NodeSpec {
	for i := range c.Nodes {
		if c.Nodes[i].Hostname == hostname {
			return &c.Nodes[i]
		}
	}
	return nil
}

// NextOrdinal returns the lowest ordinal greater than every assigned one.
// Ordinals are never reused even after node removal.
func (c *Config) NextOrdinal() int {
	next := 0
	for i := range c.Nodes {
		if o := c.Nodes[i].Ordinal; o != nil && *o >= next {
			next = *o + 1
		}
	}
	return next
}

// NodeKeyFile resolves the SSH key path for a node, falling back to the
// cluster default.
func (c *Config) NodeKeyFile(node *NodeSpec) string {
	if node.SSH.KeyFile != "" {
		return node.SSH.KeyFile
	}
	return c.SSHKeyFile
}

// assignOrdinals gives every node without an ordinal the next free one, in
// roster order. Rosters written by meshadm always carry ordinals; this covers
// hand-written files.
func (c *Config) assignOrdinals() {
	used := make(map[int]bool)
	for i := range c.Nodes {
		if o := c.Nodes[i].Ordinal; o != nil {
			used[*o] = true
		}
	}

	next := 0
	for i := range c.Nodes {
		if c.Nodes[i].Ordinal != nil {
			continue
		}
		for used[next] {
			next++
		}
		c.Nodes[i].Ordinal = ptr.Int(next)
		used[next] = true
	}
}

// Hostnames returns all hostnames sorted, for stable report output.
func (c *Config) Hostnames() []string {
	names := make([]string, 0, len(c.Nodes))
	for i := range c.Nodes {
		names = append(names, c.Nodes[i].Hostname)
	}
	sort.Strings(names)
	return names
}
