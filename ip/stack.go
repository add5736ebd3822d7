package ip

import (
	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/corelog"
	"github.com/go-aistack/aistack/eth"
	"github.com/go-aistack/aistack/ratelimit"
	"github.com/go-aistack/aistack/sched"
)

// ProtocolHandler processes a received, reassembled datagram addressed to
// this stack.
type ProtocolHandler func(hdr Header, payload buf.Chain, iface *Interface)

// Stack is the IPv4 engine of spec.md §4.3: routing across Interfaces,
// fragmentation/reassembly, and protocol dispatch to registered handlers
// (TCP, and the built-in ICMP echo responder).
type Stack struct {
	loop *sched.Loop
	log  *corelog.Logger
	diag *ratelimit.Diagnostics

	ifaces   []*Interface
	nextIdent uint16

	handlers map[uint8]ProtocolHandler

	reassembly *reassemblyCache
}

// NewStack constructs an empty Stack with the built-in ICMP echo responder
// already registered.
func NewStack(loop *sched.Loop, log *corelog.Logger, diag *ratelimit.Diagnostics) *Stack {
	if log == nil {
		log = corelog.Discard()
	}
	s := &Stack{
		loop:     loop,
		log:      log,
		diag:     diag,
		handlers: make(map[uint8]ProtocolHandler),
	}
	s.reassembly = newReassemblyCache(loop, defaultReassemblyConfig())
	s.RegisterProtocol(ProtoICMP, s.handleICMP)
	return s
}

// AddInterface registers iface and wires its Ethernet layer's received
// IPv4 frames back into this stack.
func (s *Stack) AddInterface(iface *Interface) {
	s.ifaces = append(s.ifaces, iface)
}

// RegisterProtocol installs (or replaces) the handler for an IP protocol
// number, e.g. ProtoTCP.
func (s *Stack) RegisterProtocol(proto uint8, handler ProtocolHandler) {
	s.handlers[proto] = handler
}

func (s *Stack) allocIdent() uint16 {
	s.nextIdent++
	return s.nextIdent
}

// RecvFrame is the callback an Interface's eth.Iface.RecvFrame should be
// given as its IPv4 handler: it validates, reassembles if necessary, and
// dispatches the datagram to its protocol handler.
func (s *Stack) RecvFrame(iface *Interface, _ eth.MacAddr, frame buf.Chain) {
	hdr, payload, err := ParseHeader(frame)
	if err != nil {
		if s.diag.Allow("ip.malformed") {
			s.log.Warning().Str("error", err.Error()).Log("ip: dropped malformed datagram")
		}
		return
	}

	sub := iface.Subnet()
	if hdr.Src.IsLimitedBroadcast() || hdr.Src == sub.Broadcast() {
		return
	}
	local := hdr.Dst == sub.IP
	bcast := hdr.Dst.IsLimitedBroadcast() || hdr.Dst == sub.Broadcast()
	if !local && !bcast {
		return
	}

	if hdr.MF || hdr.FragOffset != 0 {
		full, ok := s.reassembly.addFragment(hdr, payload)
		if !ok {
			return
		}
		payload = full
	}

	handler, ok := s.handlers[hdr.Protocol]
	if !ok {
		return
	}
	handler(hdr, payload, iface)
}

// Send implements spec.md §4.3 "Send". retry, if non-nil, is the optional
// retry handle of the spec's signature: it is forwarded to the Ethernet
// layer, which calls it (at most once) once a pending ARP resolution
// completes and the frame has been automatically re-emitted. On a
// multi-fragment datagram, only the first fragment carries retry — an ARP
// miss aborts the remaining fragments per step 5 ("propagate ... without
// emitting further fragments"), and the caller (TCP's retransmission
// timer, typically) is expected to re-attempt the whole datagram later.
func (s *Stack) Send(src, dst Addr, ttl uint8, proto uint8, payload buf.Chain, forced *Interface, retry func()) error {
	if payload.Len() > 65535-HeaderLen {
		return ErrPktTooLarge
	}

	iface, nextHop, err := s.route(dst, forced)
	if err != nil {
		return err
	}
	if src.IsZero() {
		src = iface.Subnet().IP
	}

	mtu := iface.MTU
	if mtu < HeaderLen+8 {
		return ErrNoIPMTUAvail
	}

	ident := s.allocIdent()

	if HeaderLen+payload.Len() <= mtu {
		hdr := Header{TTL: ttl, Protocol: proto, Src: src, Dst: dst, Ident: ident, TotalLen: HeaderLen + payload.Len()}
		node := Build(hdr)
		pkt := sliceFrom(node, payload)
		return iface.Eth.SendIPv4(nextHop, pkt, retry)
	}

	maxFragData := ((mtu - HeaderLen) / 8) * 8
	if maxFragData <= 0 {
		return ErrNoIPMTUAvail
	}
	for off := 0; off < payload.Len(); off += maxFragData {
		n := maxFragData
		if off+n > payload.Len() {
			n = payload.Len() - off
		}
		mf := off+n < payload.Len()
		hdr := Header{
			TTL: ttl, Protocol: proto, Src: src, Dst: dst, Ident: ident,
			MF: mf, FragOffset: off / 8, TotalLen: HeaderLen + n,
		}
		frag := payload.Skip(off).Take(n)
		node := Build(hdr)
		pkt := sliceFrom(node, frag)
		var fragRetry func()
		if off == 0 {
			fragRetry = retry
		}
		if err := iface.Eth.SendIPv4(nextHop, pkt, fragRetry); err != nil {
			return err
		}
	}
	return nil
}

// sliceFrom splices a header node ahead of payload without copying its
// data, honoring a nonzero payload.Offset by re-rooting at the node that
// actually contains it.
func sliceFrom(hdrNode *buf.Node, payload buf.Chain) buf.Chain {
	if payload.Offset == 0 {
		hdrNode.Next = payload.Head
		return buf.Chain{Head: hdrNode, Total: len(hdrNode.Data) + payload.Total}
	}
	n := payload.Head
	skip := payload.Offset
	for n != nil && skip >= len(n.Data) {
		skip -= len(n.Data)
		n = n.Next
	}
	if n == nil {
		hdrNode.Next = nil
		return buf.Chain{Head: hdrNode, Total: len(hdrNode.Data)}
	}
	sliced := &buf.Node{Data: n.Data[skip:], Next: n.Next}
	hdrNode.Next = sliced
	return buf.Chain{Head: hdrNode, Total: len(hdrNode.Data) + payload.Total}
}
