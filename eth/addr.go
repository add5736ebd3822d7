// Package eth implements spec.md §4.2: resolving IPv4 next-hop addresses
// to Ethernet MAC addresses via a bounded, two-tier-eviction ARP cache,
// and the thin Ethernet framing layer (§6 wire formats) that carries both
// ARP and IPv4 traffic.
//
// Grounded on aipstack/eth/EthIpIface.h (original_source/) for the exact
// ARP state-machine semantics, and on the idiomatic Go shape of
// other_examples/856c967f_zebra88-netstack__tcpip-network-arp-arp.go.go
// (entry/state/handler split) for how to lay it out as plain Go rather
// than a template-parameterized C++ class.
package eth

import "fmt"

// MacAddr is a 48-bit Ethernet hardware address.
type MacAddr [6]byte

func (m MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MacAddr) IsBroadcast() bool {
	return m == BroadcastMAC
}

// IsZero reports whether m is the all-zeros address.
func (m MacAddr) IsZero() bool {
	return m == MacAddr{}
}

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Ip4Addr is an IPv4 address in network byte order.
type Ip4Addr [4]byte

func (a Ip4Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

func (a Ip4Addr) IsZero() bool { return a == Ip4Addr{} }

// IsLimitedBroadcast reports whether a is 255.255.255.255.
func (a Ip4Addr) IsLimitedBroadcast() bool { return a == BroadcastIp4 }

func (a Ip4Addr) u32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

func ip4FromU32(v uint32) Ip4Addr {
	return Ip4Addr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// BroadcastIp4 is 255.255.255.255.
var BroadcastIp4 = Ip4Addr{255, 255, 255, 255}

// Subnet describes a locally configured IPv4 address and netmask. It is
// the piece of spec.md §3's "IP interface" that the ARP cache needs in
// order to special-case the local subnet broadcast and to reject
// resolution requests for addresses outside the configured subnet
// (spec.md §4.2 step 2).
type Subnet struct {
	IP      Ip4Addr
	Netmask Ip4Addr
}

// Contains reports whether addr is inside the subnet (including the
// network and broadcast addresses).
func (s Subnet) Contains(addr Ip4Addr) bool {
	mask := s.Netmask.u32()
	return addr.u32()&mask == s.IP.u32()&mask
}

// Broadcast returns the subnet's directed broadcast address.
func (s Subnet) Broadcast() Ip4Addr {
	mask := s.Netmask.u32()
	return ip4FromU32(s.IP.u32() | ^mask)
}

// Network returns the subnet's network address.
func (s Subnet) Network() Ip4Addr {
	mask := s.Netmask.u32()
	return ip4FromU32(s.IP.u32() & mask)
}

// PrefixLen returns the CIDR prefix length implied by Netmask.
func (s Subnet) PrefixLen() int {
	mask := s.Netmask.u32()
	n := 0
	for i := 31; i >= 0; i-- {
		if mask&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}
