// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/decred/dcrd/wire"
)

// NetAddress defines information about a peer endpoint on the network.
type NetAddress struct {
	// IP address of the peer.  IPv4 addresses are stored in their 4 byte
	// form.
	IP net.IP

	// Port is the port of the remote peer.
	Port uint16

	// Timestamp is the last time the address was seen.
	Timestamp time.Time

	// Services represents the service flags supported by this network address.
	Services wire.ServiceFlag
}

// canonicalizeIP returns the 4 byte form of IPv4 addresses and the 16 byte
// form of everything else.
func canonicalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// NewNetAddressIPPort creates a new network address given an ip, port, and the
// supported service flags for the address.  The timestamp is left unset so
// the address manager stamps it with its own clock when the address is added.
func NewNetAddressIPPort(ip net.IP, port uint16, services wire.ServiceFlag) *NetAddress {
	return &NetAddress{
		IP:       canonicalizeIP(ip),
		Port:     port,
		Services: services,
	}
}

// NewNetAddressFromWire converts an address received over the wire protocol.
func NewNetAddressFromWire(na *wire.NetAddress) *NetAddress {
	return &NetAddress{
		IP:        canonicalizeIP(na.IP),
		Port:      na.Port,
		Timestamp: na.Timestamp,
		Services:  na.Services,
	}
}

// ParseNetAddress parses an IP literal in "host:port" form.  Hostnames are
// not resolved.  Use AddrManager.DeserializeNetAddress for that.
func ParseNetAddress(addr string, services wire.ServiceFlag) (*NetAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if !isValid(ip) {
		str := fmt.Sprintf("address %q is not a valid IP endpoint", addr)
		return nil, makeError(ErrInvalidAddress, str)
	}
	return NewNetAddressIPPort(ip, uint16(port), services), nil
}

// ToWire converts the address to its wire protocol representation.
func (netAddr *NetAddress) ToWire() *wire.NetAddress {
	return &wire.NetAddress{
		Timestamp: netAddr.Timestamp,
		Services:  netAddr.Services,
		IP:        netAddr.IP,
		Port:      netAddr.Port,
	}
}

// IsRoutable returns a boolean indicating whether the network address is
// routable.
func (netAddr *NetAddress) IsRoutable() bool {
	return IsRoutable(netAddr.IP)
}

// GroupKey returns a string representing the network group the address is
// part of.  Addresses sharing a group are assumed to be operated by the same
// entity or reachable through the same upstream.
func (netAddr *NetAddress) GroupKey() string {
	return groupKey(netAddr.IP)
}

// Key returns a string that can be used to uniquely represent the network
// address and includes the port.  It is the canonical identity of an
// endpoint.
func (netAddr *NetAddress) Key() string {
	portString := strconv.FormatUint(uint64(netAddr.Port), 10)
	return net.JoinHostPort(netAddr.IP.String(), portString)
}

// String returns a human-readable string for the network address.  This is
// equivalent to calling Key, but is provided so the type can be used as a
// fmt.Stringer.
func (netAddr *NetAddress) String() string {
	return netAddr.Key()
}

// Clone creates a shallow copy of the NetAddress instance.  The IP reference
// is shared since it is not mutated.
func (netAddr *NetAddress) Clone() *NetAddress {
	netAddrCopy := *netAddr
	return &netAddrCopy
}

// AddService adds the provided service to the set of services that the
// network address supports.
func (netAddr *NetAddress) AddService(service wire.ServiceFlag) {
	netAddr.Services |= service
}
