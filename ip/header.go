// Package ip implements the IPv4 engine of spec.md §4.3: route lookup
// across interfaces, header construction, fragmentation on send,
// validation and hole-list reassembly on receive, and echo-only ICMP.
//
// Grounded on original_source/aipstack/ip/IpStack.h for routing/
// fragmentation/reassembly semantics, with the wire header encode/decode
// written in the hand-rolled style every pack repo that touches raw IPv4
// uses (no pack library offers a wire-format codec for this).
package ip

import (
	"encoding/binary"
	"errors"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/eth"
)

// Addr is the IPv4 address type, shared with the Ethernet/ARP layer.
type Addr = eth.Ip4Addr

// HeaderLen is the length of an IPv4 header with no options (this stack
// never emits options, per spec.md §4.3).
const HeaderLen = 20

// Protocol numbers used by this stack.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
)

const (
	flagDF = 1 << 14
	flagMF = 1 << 13
	fragOffsetMask = 0x1fff
)

// Header is a parsed IPv4 header.
type Header struct {
	TTL         uint8
	Protocol    uint8
	Src, Dst    Addr
	Ident       uint16
	DF          bool
	MF          bool
	FragOffset  int // in 8-byte units
	TotalLen    int // header + payload, as carried on the wire
}

// Errors surfaced from header validation (spec.md §7).
var (
	ErrBadVersion    = errors.New("ip: not an ipv4 header")
	ErrBadIHL        = errors.New("ip: IHL < 5")
	ErrBadTotalLen   = errors.New("ip: total length inconsistent with frame")
	ErrBadChecksum   = errors.New("ip: header checksum mismatch")
	ErrBadSource     = errors.New("ip: source address rejected")
	ErrBadDestination = errors.New("ip: destination address not ours")
	ErrPktTooLarge   = errors.New("ip: payload exceeds 65535 bytes")
	ErrNoIPRoute     = errors.New("ip: no route to destination")
	ErrNoIPMTUAvail  = errors.New("ip: no fragment-sized mtu available")
)

// ParseHeader validates and parses the IPv4 header at the front of frame
// (spec.md §4.3 "Receive"). It does not perform the destination-address
// acceptance check, which needs the owning interface's configuration; see
// Stack.RecvFrame.
func ParseHeader(frame buf.Chain) (Header, buf.Chain, error) {
	if frame.Len() < HeaderLen {
		return Header{}, buf.Chain{}, ErrBadIHL
	}
	var raw [HeaderLen]byte
	frame.CopyOut(raw[:])

	version := raw[0] >> 4
	ihl := int(raw[0] & 0x0f)
	if version != 4 {
		return Header{}, buf.Chain{}, ErrBadVersion
	}
	if ihl < 5 {
		return Header{}, buf.Chain{}, ErrBadIHL
	}
	optLen := (ihl - 5) * 4
	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	if totalLen < HeaderLen+optLen || totalLen > frame.Len() {
		return Header{}, buf.Chain{}, ErrBadTotalLen
	}

	sum := frame.Take(HeaderLen + optLen).ChecksumOnesComplement(0)
	if sum != 0xFFFF {
		return Header{}, buf.Chain{}, ErrBadChecksum
	}

	flagsFrag := binary.BigEndian.Uint16(raw[6:8])
	var h Header
	h.TotalLen = totalLen
	h.Ident = binary.BigEndian.Uint16(raw[4:6])
	h.DF = flagsFrag&flagDF != 0
	h.MF = flagsFrag&flagMF != 0
	h.FragOffset = int(flagsFrag & fragOffsetMask)
	h.TTL = raw[8]
	h.Protocol = raw[9]
	copy(h.Src[:], raw[12:16])
	copy(h.Dst[:], raw[16:20])

	rest := frame.Skip(HeaderLen + optLen).Take(totalLen - HeaderLen - optLen)
	return h, rest, nil
}

// Build encodes h (with no options) as a standalone buf.Node, checksum
// computed and filled in.
func Build(h Header) *buf.Node {
	raw := make([]byte, HeaderLen)
	raw[0] = 0x45 // version 4, IHL 5
	raw[1] = 0    // DSCP/ECN unused
	binary.BigEndian.PutUint16(raw[2:4], uint16(h.TotalLen))
	binary.BigEndian.PutUint16(raw[4:6], h.Ident)
	var flagsFrag uint16
	if h.DF {
		flagsFrag |= flagDF
	}
	if h.MF {
		flagsFrag |= flagMF
	}
	flagsFrag |= uint16(h.FragOffset) & fragOffsetMask
	binary.BigEndian.PutUint16(raw[6:8], flagsFrag)
	raw[8] = h.TTL
	raw[9] = h.Protocol
	binary.BigEndian.PutUint16(raw[10:12], 0) // checksum, filled below
	copy(raw[12:16], h.Src[:])
	copy(raw[16:20], h.Dst[:])

	node := &buf.Node{Data: raw}
	sum := buf.New(node).ChecksumOnesComplement(0)
	binary.BigEndian.PutUint16(raw[10:12], ^sum)
	return node
}
