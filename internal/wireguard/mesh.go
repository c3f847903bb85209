package wireguard

import (
	"fmt"
	"net"
	"strconv"

	"github.com/meshadm/meshadm/internal/config"
)

// DefaultKeepalive keeps NAT mappings warm between peers. Cloud nodes behind
// provider NAT silently lose idle mappings, which would partition the mesh.
const DefaultKeepalive = 25

// BuildMesh renders a full-mesh device config for every node in the roster.
// keys must hold a pair per hostname; podCIDRs may be nil for a mesh without
// pod routing (it is wired in once allocation has run).
//
// Every node peers with every other node directly. Each peer's AllowedIPs is
// its /32 mesh address plus its pod block, so pod-to-pod traffic between
// clouds rides the tunnel without any extra routes on the host.
func BuildMesh(cfg *config.Config, keys map[string]*KeyPair, podCIDRs map[string]string) (map[string]*DeviceConfig, error) {
	_, vpnNet, err := net.ParseCIDR(cfg.VPN.CIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid vpn cidr %q: %w", cfg.VPN.CIDR, err)
	}
	prefixLen, _ := vpnNet.Mask.Size()

	for i := range cfg.Nodes {
		if _, ok := keys[cfg.Nodes[i].Hostname]; !ok {
			return nil, fmt.Errorf("no key pair for node %s", cfg.Nodes[i].Hostname)
		}
	}

	configs := make(map[string]*DeviceConfig, len(cfg.Nodes))
	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]

		device := &DeviceConfig{
			Interface: Interface{
				Address:    fmt.Sprintf("%s/%d", node.VPNAddress, prefixLen),
				PrivateKey: keys[node.Hostname].PrivateKey,
				ListenPort: cfg.VPN.ListenPort,
			},
		}

		for j := range cfg.Nodes {
			peer := &cfg.Nodes[j]
			if peer.Hostname == node.Hostname {
				continue
			}

			allowed := []string{peer.VPNAddress + "/32"}
			if cidr, ok := podCIDRs[peer.Hostname]; ok && cidr != "" {
				allowed = append(allowed, cidr)
			}

			device.Peers = append(device.Peers, Peer{
				PublicKey:           keys[peer.Hostname].PublicKey,
				Endpoint:            net.JoinHostPort(peer.ExternalAddress, strconv.Itoa(cfg.VPN.ListenPort)),
				AllowedIPs:          allowed,
				PersistentKeepalive: DefaultKeepalive,
			})
		}

		configs[node.Hostname] = device
	}

	return configs, nil
}
