package eth

import (
	"errors"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/corelog"
	"github.com/go-aistack/aistack/ratelimit"
	"github.com/go-aistack/aistack/sched"
)

// ErrNoHeaderSpace is returned when SendIPv4 is asked to prepend an
// Ethernet header onto a chain with no spare room (spec.md §7:
// NO_HEADER_SPACE). Since buf.Chain always grows by concatenation rather
// than in-place prepend, this stack never actually hits that condition —
// kept as a sentinel so callers written against the spec's error kind
// still have something to check.
var ErrNoHeaderSpace = errors.New("eth: no header space")

// StateChangeFunc is invoked when the driver reports a link transition
// (spec.md §6: "state_changed()").
type StateChangeFunc func(DriverState)

// Iface binds a Driver to an IPv4 address/subnet and an ArpCache,
// implementing the Ethernet-layer half of spec.md §4.2/§4.3: given a
// next-hop IPv4 address and an IPv4 datagram, either hand the driver a
// whole Ethernet frame or queue the send pending ARP resolution.
type Iface struct {
	Driver Driver
	Subnet Subnet
	Arp    *ArpCache

	log          *corelog.Logger
	onStateChange StateChangeFunc
}

// NewIface constructs an Iface and its owned ArpCache.
func NewIface(loop *sched.Loop, driver Driver, subnet Subnet, arpCfg ArpConfig, log *corelog.Logger, diag *ratelimit.Diagnostics) *Iface {
	if log == nil {
		log = corelog.Discard()
	}
	return &Iface{
		Driver: driver,
		Subnet: subnet,
		Arp:    NewArpCache(loop, driver, subnet, arpCfg, log, diag),
		log:    log,
	}
}

// OnStateChange registers the callback invoked by StateChanged.
func (f *Iface) OnStateChange(fn StateChangeFunc) { f.onStateChange = fn }

// StateChanged is called by the driver when link state changes (spec.md
// §6).
func (f *Iface) StateChanged() {
	if f.onStateChange != nil {
		f.onStateChange(f.Driver.State())
	}
}

// SendIPv4 resolves dst's MAC address and transmits payload (an already
// built IPv4 datagram) as a complete Ethernet frame. If resolution is
// still pending, it returns ErrArpQuery immediately, queues the original
// frame to be re-emitted automatically once the address resolves, and
// additionally invokes the caller-supplied retry exactly once at that
// point as a notification — matching spec.md §4.3's "(src, dst, ttl,
// proto, payload, optional retry handle)" and §8 scenario 2's "pending
// send-retry callback invoked exactly once". retry may be nil.
func (f *Iface) SendIPv4(dst Ip4Addr, payload buf.Chain, retry func()) error {
	mac, err := f.Arp.Resolve(dst, func() {
		_ = f.SendIPv4(dst, payload, nil)
		if retry != nil {
			retry()
		}
	})
	if err != nil {
		return err
	}
	return f.sendFrame(mac, EtherTypeIPv4, payload)
}

func (f *Iface) sendFrame(dst MacAddr, et EtherType, payload buf.Chain) error {
	hdr := BuildHeader(Header{Dst: dst, Src: f.Driver.MAC(), Type: et})
	full := concatChain(hdr, payload)
	return f.Driver.SendFrame(full)
}

// concatChain appends chain after the standalone header node hdr without
// copying any payload bytes. hdr.Next is ignored and overwritten; if
// chain has a nonzero Offset, a thin wrapper node re-slices just its head
// node so the offset is still honored without mutating the caller's data.
func concatChain(hdr *buf.Node, chain buf.Chain) buf.Chain {
	if chain.Offset == 0 {
		hdr.Next = chain.Head
		return buf.Chain{Head: hdr, Total: HeaderLen + chain.Total}
	}
	// walk to the node containing the offset and re-root there, slicing
	// only that one node's Data (still borrowed, no copy).
	n := chain.Head
	skip := chain.Offset
	for n != nil && skip >= len(n.Data) {
		skip -= len(n.Data)
		n = n.Next
	}
	if n == nil {
		hdr.Next = nil
		return buf.Chain{Head: hdr, Total: HeaderLen}
	}
	sliced := &buf.Node{Data: n.Data[skip:], Next: n.Next}
	hdr.Next = sliced
	return buf.Chain{Head: hdr, Total: HeaderLen + chain.Total}
}

// RecvFrame processes one received Ethernet frame (spec.md §6:
// "recv_frame(frame)"), dispatching ARP frames to the cache and handing
// IPv4 frames to ipHandler.
func (f *Iface) RecvFrame(frame buf.Chain, ipHandler func(src MacAddr, payload buf.Chain)) {
	hdr, rest, err := ParseHeader(frame)
	if err != nil {
		return
	}
	switch hdr.Type {
	case EtherTypeARP:
		f.Arp.HandleFrame(rest.Bytes())
	case EtherTypeIPv4:
		if ipHandler != nil {
			ipHandler(hdr.Src, rest)
		}
	}
}
