package ip

import (
	"github.com/go-aistack/aistack/eth"
)

// Interface is one configured IPv4-over-Ethernet interface: spec.md §3's
// "IP interface" data model entry (mtu, address/netmask, gateway, driver),
// built on top of an eth.Iface for framing and ARP.
type Interface struct {
	Name    string
	MTU     int
	Eth     *eth.Iface
	Gateway Addr // zero value: no gateway configured
}

// Subnet is a convenience accessor for the interface's configured subnet.
func (i *Interface) Subnet() eth.Subnet { return i.Eth.Subnet }

// HasGateway reports whether a default gateway is configured.
func (i *Interface) HasGateway() bool { return !i.Gateway.IsZero() }

// route implements spec.md §4.3 step 1. forced, if non-nil, pins the
// interface (e.g. for a DHCP client emitting before it has an address);
// otherwise the most-specific local-subnet match wins, falling back to the
// first interface with a reachable gateway.
func (s *Stack) route(dst Addr, forced *Interface) (iface *Interface, nextHop Addr, err error) {
	if forced != nil {
		sub := forced.Subnet()
		if sub.Contains(dst) || dst == sub.Broadcast() || dst.IsLimitedBroadcast() {
			return forced, dst, nil
		}
		if forced.HasGateway() {
			return forced, forced.Gateway, nil
		}
		return nil, Addr{}, ErrNoIPRoute
	}

	var best *Interface
	bestPrefix := -1
	for _, candidate := range s.ifaces {
		sub := candidate.Subnet()
		if sub.Contains(dst) {
			if p := sub.PrefixLen(); p > bestPrefix {
				best, bestPrefix = candidate, p
			}
		}
	}
	if best != nil {
		return best, dst, nil
	}

	for _, candidate := range s.ifaces {
		if candidate.HasGateway() {
			return candidate, candidate.Gateway, nil
		}
	}
	return nil, Addr{}, ErrNoIPRoute
}
