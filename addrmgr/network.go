// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import "net"

// ipNet returns a net.IPNet struct given the passed IP address string, number
// of one bits to include at the start of the mask, and the total number of bits
// for the mask.
func ipNet(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

// ipRange is a named collection of address blocks.
type ipRange []net.IPNet

// contains returns whether any block of the range contains the address.
func (r ipRange) contains(netIP net.IP) bool {
	for i := range r {
		if r[i].Contains(netIP) {
			return true
		}
	}
	return false
}

var (
	// rfc1918 is the IPv4 private address space.
	rfc1918 = ipRange{
		ipNet("10.0.0.0", 8, 32),
		ipNet("172.16.0.0", 12, 32),
		ipNet("192.168.0.0", 16, 32),
	}

	// rfc2544 is the IPv4 benchmarking block (198.18.0.0/15).
	rfc2544 = ipRange{ipNet("198.18.0.0", 15, 32)}

	// rfc3849 is the IPv6 documentation block (2001:DB8::/32).
	rfc3849 = ipRange{ipNet("2001:DB8::", 32, 128)}

	// rfc3927 is the IPv4 link local autoconfiguration block (169.254.0.0/16).
	rfc3927 = ipRange{ipNet("169.254.0.0", 16, 32)}

	// rfc3964 is the 6to4 block (2002::/16).  The IPv4 address is embedded in
	// bytes 2 through 5.
	rfc3964 = ipRange{ipNet("2002::", 16, 128)}

	// rfc4193 is the IPv6 unique local block (FC00::/7).
	rfc4193 = ipRange{ipNet("FC00::", 7, 128)}

	// rfc4380 is the teredo block (2001::/32).  The IPv4 address is the last
	// four bytes XOR 0xff.
	rfc4380 = ipRange{ipNet("2001::", 32, 128)}

	// rfc4843 is the IPv6 ORCHID block (2001:10::/28).
	rfc4843 = ipRange{ipNet("2001:10::", 28, 128)}

	// rfc4862 is the IPv6 link local autoconfiguration block (FE80::/64).
	rfc4862 = ipRange{ipNet("FE80::", 64, 128)}

	// rfc5737 is the IPv4 documentation space.
	rfc5737 = ipRange{
		ipNet("192.0.2.0", 24, 32),
		ipNet("198.51.100.0", 24, 32),
		ipNet("203.0.113.0", 24, 32),
	}

	// rfc6052 is the IPv6 well-known translation prefix (64:FF9B::/96).
	rfc6052 = ipRange{ipNet("64:FF9B::", 96, 128)}

	// rfc6145 is the IPv4 translated range (::FFFF:0:0:0/96).
	rfc6145 = ipRange{ipNet("::FFFF:0:0:0", 96, 128)}

	// rfc6598 is the carrier grade NAT shared space (100.64.0.0/10).
	rfc6598 = ipRange{ipNet("100.64.0.0", 10, 32)}

	// zero4 is the IPv4 block for addresses starting with 0 (0.0.0.0/8).
	zero4 = ipRange{ipNet("0.0.0.0", 8, 32)}

	// heNet is the Hurricane Electric IPv6 block, grouped at /36 instead of
	// /32 because it hands out large numbers of tunnel prefixes.
	heNet = ipRange{ipNet("2001:470::", 32, 128)}

	// unroutableRanges are the reserved ranges that never reach the public
	// internet.
	unroutableRanges = []ipRange{
		rfc1918, rfc2544, rfc3927, rfc4862, rfc3849, rfc4843, rfc5737,
		rfc6598, rfc4193,
	}
)

// isIPv4 returns whether or not the given address is an IPv4 address.
func isIPv4(netIP net.IP) bool {
	return netIP.To4() != nil
}

// isLocal returns whether or not the given address is a local address.
func isLocal(netIP net.IP) bool {
	return netIP.IsLoopback() || zero4.contains(netIP)
}

// isValid returns whether or not the passed address is valid.  The address is
// considered invalid when it is missing, unspecified, or the IPv4 broadcast
// address.
func isValid(netIP net.IP) bool {
	return len(netIP) != 0 && !(netIP.IsUnspecified() ||
		netIP.Equal(net.IPv4bcast))
}

// IsRoutable returns whether or not the passed address is routable over the
// public internet.  This is true as long as the address is valid and is not in
// any reserved range.
func IsRoutable(netIP net.IP) bool {
	if !isValid(netIP) || isLocal(netIP) {
		return false
	}
	for _, r := range unroutableRanges {
		if r.contains(netIP) {
			return false
		}
	}
	return true
}

// ipv4Group returns the /16 group string of the passed IPv4 address bytes.
func ipv4Group(v4 net.IP) string {
	return v4.Mask(net.CIDRMask(16, 32)).String()
}

// groupKey returns a string representing the network group the address is
// part of.  This is the /16 for IPv4, the /32 (/36 for he.net) for IPv6, the
// embedded /16 for IPv6 transition mechanisms carrying an IPv4 address, the
// string "local" for a local address and the string "unroutable" for an
// invalid address.
//
// Private IPv4 ranges are grouped like any other IPv4 address so that
// operators running test networks on private addresses still get diverse
// selection.
func groupKey(netIP net.IP) string {
	if !isValid(netIP) {
		return "unroutable"
	}
	if isLocal(netIP) {
		return "local"
	}
	if v4 := netIP.To4(); v4 != nil {
		return ipv4Group(v4)
	}

	switch {
	case rfc6145.contains(netIP), rfc6052.contains(netIP):
		return ipv4Group(netIP[12:16])

	case rfc3964.contains(netIP):
		return ipv4Group(netIP[2:6])

	case rfc4380.contains(netIP):
		v4 := make(net.IP, net.IPv4len)
		for i, b := range netIP[12:16] {
			v4[i] = b ^ 0xff
		}
		return ipv4Group(v4)
	}

	bits := 32
	if heNet.contains(netIP) {
		bits = 36
	}
	return netIP.Mask(net.CIDRMask(bits, 128)).String()
}
