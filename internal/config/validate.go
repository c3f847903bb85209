package config

import (
	"errors"
	"fmt"
	"net"
)

// ErrConfig marks roster and configuration errors. They fail the run before
// any node is touched and are never retried.
var ErrConfig = errors.New("invalid configuration")

// Validate checks the roster for errors that would otherwise surface halfway
// through a bootstrap. It assumes defaults and ordinals have been applied.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("%w: cluster_name is required", ErrConfig)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrConfig)
	}

	if err := c.validateNodes(); err != nil {
		return err
	}
	if err := c.validateVPN(); err != nil {
		return err
	}
	if err := c.validateNetwork(); err != nil {
		return err
	}
	if err := c.validateCNI(); err != nil {
		return err
	}
	return c.validateBackup()
}

func (c *Config) validateNodes() error {
	seenHostname := make(map[string]bool)
	seenOrdinal := make(map[int]string)
	controlPlanes := 0

	for i := range c.Nodes {
		node := &c.Nodes[i]

		if node.Hostname == "" {
			return fmt.Errorf("%w: node %d: hostname is required", ErrConfig, i)
		}
		if seenHostname[node.Hostname] {
			return fmt.Errorf("%w: duplicate hostname %q", ErrConfig, node.Hostname)
		}
		seenHostname[node.Hostname] = true

		switch node.Role {
		case RoleControlPlane:
			controlPlanes++
		case RoleWorker:
		default:
			return fmt.Errorf("%w: node %s: role must be %q or %q, got %q",
				ErrConfig, node.Hostname, RoleControlPlane, RoleWorker, node.Role)
		}

		if node.ExternalAddress == "" {
			return fmt.Errorf("%w: node %s: external_address is required", ErrConfig, node.Hostname)
		}
		if node.SSH.User == "" {
			return fmt.Errorf("%w: node %s: ssh.user is required", ErrConfig, node.Hostname)
		}
		if c.NodeKeyFile(node) == "" {
			return fmt.Errorf("%w: node %s: no SSH key (set ssh_key_file or nodes[].ssh.key_file)", ErrConfig, node.Hostname)
		}

		if o := node.Ordinal; o != nil {
			if *o < 0 {
				return fmt.Errorf("%w: node %s: ordinal must not be negative", ErrConfig, node.Hostname)
			}
			if other, dup := seenOrdinal[*o]; dup {
				return fmt.Errorf("%w: nodes %s and %s share ordinal %d", ErrConfig, other, node.Hostname, *o)
			}
			seenOrdinal[*o] = node.Hostname
		}
	}

	if controlPlanes == 0 {
		return fmt.Errorf("%w: exactly one control-plane node is required, got none", ErrConfig)
	}
	if controlPlanes > 1 {
		return fmt.Errorf("%w: exactly one control-plane node is required, got %d", ErrConfig, controlPlanes)
	}

	return nil
}

func (c *Config) validateVPN() error {
	if c.VPN.CIDR == "" {
		return fmt.Errorf("%w: vpn.cidr is required", ErrConfig)
	}
	_, vpnNet, err := net.ParseCIDR(c.VPN.CIDR)
	if err != nil {
		return fmt.Errorf("%w: invalid vpn.cidr: %v", ErrConfig, err)
	}
	if c.VPN.ListenPort < 1 || c.VPN.ListenPort > 65535 {
		return fmt.Errorf("%w: vpn.listen_port %d out of range", ErrConfig, c.VPN.ListenPort)
	}

	seen := make(map[string]string)
	for i := range c.Nodes {
		node := &c.Nodes[i]
		if node.VPNAddress == "" {
			return fmt.Errorf("%w: node %s: vpn_address is required", ErrConfig, node.Hostname)
		}
		ip := net.ParseIP(node.VPNAddress)
		if ip == nil {
			return fmt.Errorf("%w: node %s: invalid vpn_address %q", ErrConfig, node.Hostname, node.VPNAddress)
		}
		if !vpnNet.Contains(ip) {
			return fmt.Errorf("%w: node %s: vpn_address %s outside vpn.cidr %s",
				ErrConfig, node.Hostname, node.VPNAddress, c.VPN.CIDR)
		}
		if other, dup := seen[node.VPNAddress]; dup {
			return fmt.Errorf("%w: nodes %s and %s share vpn_address %s", ErrConfig, other, node.Hostname, node.VPNAddress)
		}
		seen[node.VPNAddress] = node.Hostname
	}

	return nil
}

func (c *Config) validateNetwork() error {
	_, supernet, err := net.ParseCIDR(c.Network.PodSupernet)
	if err != nil {
		return fmt.Errorf("%w: invalid network.pod_supernet: %v", ErrConfig, err)
	}
	if supernet.IP.To4() == nil {
		return fmt.Errorf("%w: network.pod_supernet must be IPv4", ErrConfig)
	}
	if prefix, _ := supernet.Mask.Size(); prefix > NodeCIDRPrefix {
		return fmt.Errorf("%w: network.pod_supernet %s too small to carve /%d node blocks",
			ErrConfig, c.Network.PodSupernet, NodeCIDRPrefix)
	}

	if _, _, err := net.ParseCIDR(c.Network.ServiceCIDR); err != nil {
		return fmt.Errorf("%w: invalid network.service_cidr: %v", ErrConfig, err)
	}

	return nil
}

func (c *Config) validateCNI() error {
	switch c.CNI.Type {
	case CNIFlannel, CNICilium:
		return nil
	default:
		return fmt.Errorf("%w: cni.type must be %q or %q, got %q", ErrConfig, CNIFlannel, CNICilium, c.CNI.Type)
	}
}

func (c *Config) validateBackup() error {
	b := c.State.Backup
	if !b.Enabled {
		return nil
	}
	if b.Endpoint == "" {
		return fmt.Errorf("%w: state.backup.endpoint is required when backup is enabled", ErrConfig)
	}
	if b.Bucket == "" {
		return fmt.Errorf("%w: state.backup.bucket is required when backup is enabled", ErrConfig)
	}
	return nil
}

// ApplyDefaults fills in unset fields. Called by Load before validation.
func (c *Config) ApplyDefaults() {
	if c.VPN.ListenPort == 0 {
		c.VPN.ListenPort = DefaultWireGuardPort
	}
	if c.VPN.Interface == "" {
		c.VPN.Interface = DefaultWireGuardInterface
	}
	if c.Network.PodSupernet == "" {
		c.Network.PodSupernet = DefaultPodSupernet
	}
	if c.Network.ServiceCIDR == "" {
		c.Network.ServiceCIDR = DefaultServiceCIDR
	}
	if c.Kubernetes.Version == "" {
		c.Kubernetes.Version = DefaultKubernetesVersion
	}
	if c.CNI.Type == "" {
		c.CNI.Type = CNIFlannel
	}
	if c.State.Path == "" {
		c.State.Path = DefaultStatePath
	}

	for i := range c.Nodes {
		node := &c.Nodes[i]
		if node.SSH.User == "" {
			node.SSH.User = "root"
		}
		if node.SSH.Port == 0 {
			node.SSH.Port = 22
		}
		if node.Interface == "" {
			node.Interface = "eth0"
		}
	}
}
