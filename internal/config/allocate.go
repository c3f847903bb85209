package config

import (
	"errors"
	"fmt"
	"net"
)

// ErrCIDRExhausted is returned when a node's ordinal points past the last
// block the pod supernet can hold.
var ErrCIDRExhausted = errors.New("pod CIDR supernet exhausted")

// AllocatePodCIDRs assigns each node a /24 (NodeCIDRPrefix) block inside
// supernet, keyed by the node's ordinal so assignments stay human-predictable
// and survive roster reordering. Nodes present in previous keep their block
// verbatim; dropping a node from previous is the explicit way to reset it.
//
// The result is deterministic for a given roster and guaranteed pairwise
// non-overlapping.
func AllocatePodCIDRs(supernet string, nodes []NodeSpec, previous map[string]string) (map[string]string, error) {
	_, parsed, err := net.ParseCIDR(supernet)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pod supernet: %v", ErrConfig, err)
	}
	prefix, totalBits := parsed.Mask.Size()
	if totalBits != 32 {
		return nil, fmt.Errorf("%w: pod supernet must be IPv4", ErrConfig)
	}
	newbits := NodeCIDRPrefix - prefix
	if newbits < 0 {
		return nil, fmt.Errorf("%w: pod supernet %s smaller than a /%d node block", ErrConfig, supernet, NodeCIDRPrefix)
	}
	maxBlocks := 1 << newbits

	assigned := make(map[string]string, len(nodes))
	for i := range nodes {
		node := &nodes[i]

		if prev, ok := previous[node.Hostname]; ok && prev != "" {
			assigned[node.Hostname] = prev
			continue
		}

		ordinal := node.Ord()
		if ordinal < 0 {
			return nil, fmt.Errorf("%w: node %s has no ordinal", ErrConfig, node.Hostname)
		}
		if ordinal >= maxBlocks {
			return nil, fmt.Errorf("%w: node %s ordinal %d exceeds %d blocks in %s",
				ErrCIDRExhausted, node.Hostname, ordinal, maxBlocks, supernet)
		}

		cidr, err := CIDRSubnet(supernet, newbits, ordinal)
		if err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrConfig, node.Hostname, err)
		}
		assigned[node.Hostname] = cidr
	}

	if err := checkNonOverlapping(assigned); err != nil {
		return nil, err
	}
	return assigned, nil
}

// checkNonOverlapping rejects assignments where any two blocks intersect,
// which can happen when stale previous assignments meet a changed supernet.
func checkNonOverlapping(assigned map[string]string) error {
	type block struct {
		hostname string
		network  *net.IPNet
	}

	blocks := make([]block, 0, len(assigned))
	for hostname, cidr := range assigned {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("%w: node %s has invalid pod CIDR %q: %v", ErrConfig, hostname, cidr, err)
		}
		blocks = append(blocks, block{hostname: hostname, network: network})
	}

	for i := range blocks {
		for j := i + 1; j < len(blocks); j++ {
			a, b := blocks[i], blocks[j]
			if a.network.Contains(b.network.IP) || b.network.Contains(a.network.IP) {
				return fmt.Errorf("%w: pod CIDRs overlap: %s (%s) and %s (%s)",
					ErrConfig, a.hostname, a.network, b.hostname, b.network)
			}
		}
	}
	return nil
}
