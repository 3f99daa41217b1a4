package main

import (
	"fmt"
	"net"
)

// parseCIDRHost extracts the host address (not the network address) out of
// a "10.99.99.10/24"-style string, since that's the address this process's
// own tunnel endpoint uses when relays spoof it as a packet's destination.
func parseCIDRHost(cidr string) (net.IP, *net.IPNet, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %q: %w", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, nil, fmt.Errorf("%q is not an IPv4 address", cidr)
	}
	return ip4, ipNet, nil
}
