package config

import (
	"encoding/binary"
	"fmt"
	"net"
)

// CIDRSubnet calculates the netnum-th subnet of prefix after extending its
// mask by newbits, like Terraform's cidrsubnet. Only IPv4 is supported.
//
// CIDRSubnet("10.244.0.0/16", 8, 3) returns "10.244.3.0/24".
func CIDRSubnet(prefix string, newbits int, netnum int) (string, error) {
	_, network, err := net.ParseCIDR(prefix)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR prefix: %w", err)
	}

	if network.IP.To4() == nil {
		return "", fmt.Errorf("only IPv4 addresses are supported, got IPv6: %s", prefix)
	}

	maskSize, totalBits := network.Mask.Size()
	newMaskSize := maskSize + newbits

	if newMaskSize > totalBits {
		return "", fmt.Errorf("prefix extension of %d bits is too large for %s", newbits, prefix)
	}

	maxSubnets := 1 << newbits
	if netnum >= maxSubnets {
		return "", fmt.Errorf("subnet number %d exceeds max subnets %d", netnum, maxSubnets)
	}

	ip := network.IP
	if ip.To4() != nil {
		ip = ip.To4()
	}

	ipInt := ipToUint(ip)
	subnetSize := 1 << (totalBits - newMaskSize)

	// #nosec G115
	ipInt += uint64(netnum * subnetSize)

	return fmt.Sprintf("%s/%d", ipFromUint(ipInt).String(), newMaskSize), nil
}

// CIDRHost calculates the hostnum-th address within prefix, like Terraform's
// cidrhost. Negative hostnum counts from the end of the range. Only IPv4 is
// supported.
func CIDRHost(prefix string, hostnum int) (string, error) {
	_, network, err := net.ParseCIDR(prefix)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR prefix: %w", err)
	}

	if network.IP.To4() == nil {
		return "", fmt.Errorf("only IPv4 addresses are supported, got IPv6: %s", prefix)
	}

	maskSize, totalBits := network.Mask.Size()
	hostBits := totalBits - maskSize
	maxHosts := uint64(1) << hostBits

	var offset uint64
	if hostnum < 0 {
		absHostNum := uint64(-hostnum)
		if absHostNum > maxHosts {
			return "", fmt.Errorf("host number %d exceeds max hosts %d", hostnum, maxHosts)
		}
		offset = maxHosts - absHostNum
	} else {
		offset = uint64(hostnum)
		if offset >= maxHosts {
			return "", fmt.Errorf("host number %d exceeds max hosts %d", hostnum, maxHosts)
		}
	}

	ip := network.IP
	if ip.To4() != nil {
		ip = ip.To4()
	}

	return ipFromUint(ipToUint(ip) + offset).String(), nil
}

// ipToUint converts an IPv4 address to its numeric value.
func ipToUint(ip net.IP) uint64 {
	if len(ip) == 16 {
		if ip4 := ip.To4(); ip4 != nil {
			return uint64(binary.BigEndian.Uint32(ip4))
		}
		return 0
	}
	return uint64(binary.BigEndian.Uint32(ip))
}

// ipFromUint converts a numeric value back to an IPv4 address.
func ipFromUint(val uint64) net.IP {
	ip := make(net.IP, 4)
	// #nosec G115
	binary.BigEndian.PutUint32(ip, uint32(val))
	return ip
}
