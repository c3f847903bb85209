package wireguard

import (
	"fmt"
	"strings"
)

// Interface is the [Interface] section of a device config.
type Interface struct {
	// Address is the node's mesh address with the VPN prefix, e.g.
	// 10.8.0.11/24.
	Address    string
	PrivateKey string
	ListenPort int
}

// Peer is one [Peer] section. AllowedIPs carries the peer's /32 mesh address
// plus its pod CIDR, which is what routes pod traffic through the tunnel.
type Peer struct {
	PublicKey  string
	Endpoint   string
	AllowedIPs []string

	// PersistentKeepalive in seconds; zero omits the line.
	PersistentKeepalive int
}

// DeviceConfig is a complete wg-quick config for one node.
type DeviceConfig struct {
	Interface Interface
	Peers     []Peer
}

// Render serializes the config in wg-quick(8) format. Sections are emitted
// in struct order so output is deterministic and diffable across runs.
func (d *DeviceConfig) Render() string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", d.Interface.Address)
	fmt.Fprintf(&b, "PrivateKey = %s\n", d.Interface.PrivateKey)
	if d.Interface.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", d.Interface.ListenPort)
	}

	for _, peer := range d.Peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
		if peer.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", peer.Endpoint)
		}
		if len(peer.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(peer.AllowedIPs, ", "))
		}
		if peer.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", peer.PersistentKeepalive)
		}
	}

	return b.String()
}

// ParseHandshakes parses `wg show <dev> latest-handshakes` output into a map
// of peer public key to unix timestamp. A zero timestamp means the peer has
// never completed a handshake.
func ParseHandshakes(output string) map[string]int64 {
	handshakes := make(map[string]int64)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		var ts int64
		if _, err := fmt.Sscanf(fields[1], "%d", &ts); err != nil {
			continue
		}
		handshakes[fields[0]] = ts
	}
	return handshakes
}
