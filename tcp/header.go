// Package tcp implements the TCP engine of spec.md §4.4: a fixed PCB pool
// with MRU/oldest-eviction allocation, the RFC 793 state machine, sequence
// acceptability and out-of-sequence buffering on input, Nagle-aware
// segment output with RTT measurement, a single per-PCB retransmission
// timer with exponential backoff and fast retransmit, and a listener
// accept queue.
//
// Grounded on original_source/aipstack/tcp/IpTcpProto.h for the exact
// semantics spec.md leaves implicit (OOSEQ bookkeeping, RTT estimator
// shift constants, TIME_WAIT handling), layered on the same Stack/
// Interface/buf.Chain primitives eth and ip already establish.
package tcp

import (
	"encoding/binary"
	"errors"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/ip"
)

// Addr is the IPv4 address type shared across the network stack.
type Addr = ip.Addr

// HeaderLen is the fixed (no-options) TCP header length.
const HeaderLen = 20

// Flags is the TCP header's 6-bit control-bit field.
type Flags uint8

const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagPSH Flags = 1 << 3
	FlagACK Flags = 1 << 4
	FlagURG Flags = 1 << 5
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is a parsed TCP segment header (options collapsed into MSS/
// WindowScale, the only two this stack understands).
type Header struct {
	SrcPort, DstPort uint16
	Seq, Ack         Seq
	Flags            Flags
	Window           uint16
	MSS              uint16 // 0 if absent
	WindowScale      uint8  // 0 if absent (no scaling)
	HasWindowScale   bool
}

var (
	ErrShortSegment   = errors.New("tcp: segment shorter than header")
	ErrBadDataOffset  = errors.New("tcp: data offset out of range")
	ErrBadTCPChecksum = errors.New("tcp: checksum mismatch")
)

// pseudoHeaderSum folds the IPv4 TCP pseudo-header (RFC 793 §3.1) into a
// running ones'-complement accumulator suitable as buf.Chain.
// ChecksumOnesComplement's seed.
func pseudoHeaderSum(src, dst Addr, tcpLen int) uint32 {
	var sum uint32
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += uint32(ip.ProtoTCP)
	sum += uint32(tcpLen)
	return sum
}

// ParseHeader parses and validates a TCP segment (header + options + data)
// against the given pseudo-header endpoints.
func ParseHeader(src, dst Addr, seg buf.Chain) (Header, buf.Chain, error) {
	if seg.Len() < HeaderLen {
		return Header{}, buf.Chain{}, ErrShortSegment
	}
	var fixed [HeaderLen]byte
	seg.CopyOut(fixed[:])

	dataOffset := int(fixed[12]>>4) * 4
	if dataOffset < HeaderLen || dataOffset > seg.Len() {
		return Header{}, buf.Chain{}, ErrBadDataOffset
	}

	seed := pseudoHeaderSum(src, dst, seg.Len())
	if seg.ChecksumOnesComplement(seed) != 0xFFFF {
		return Header{}, buf.Chain{}, ErrBadTCPChecksum
	}

	var h Header
	h.SrcPort = binary.BigEndian.Uint16(fixed[0:2])
	h.DstPort = binary.BigEndian.Uint16(fixed[2:4])
	h.Seq = Seq(binary.BigEndian.Uint32(fixed[4:8]))
	h.Ack = Seq(binary.BigEndian.Uint32(fixed[8:12]))
	h.Flags = Flags(fixed[13] & 0x3f)
	h.Window = binary.BigEndian.Uint16(fixed[14:16])

	if optLen := dataOffset - HeaderLen; optLen > 0 {
		opts := make([]byte, optLen)
		seg.Skip(HeaderLen).Take(optLen).CopyOut(opts)
		parseOptions(opts, &h)
	}

	return h, seg.Skip(dataOffset), nil
}

func parseOptions(opts []byte, h *Header) {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case 0: // end of options
			return
		case 1: // no-op
			i++
			continue
		case 2: // MSS
			if i+4 > len(opts) {
				return
			}
			h.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
			i += 4
		case 3: // window scale
			if i+3 > len(opts) {
				return
			}
			h.WindowScale = opts[i+2]
			h.HasWindowScale = true
			i += 3
		default:
			if i+1 >= len(opts) {
				return
			}
			l := int(opts[i+1])
			if l < 2 {
				return
			}
			i += l
		}
	}
}

// BuildOptions encodes h's MSS/WindowScale options padded to a 4-byte
// boundary, returning the encoded bytes and the resulting data offset in
// 4-byte words.
func buildOptions(h Header) []byte {
	var opts []byte
	if h.MSS != 0 {
		var b [4]byte
		b[0], b[1] = 2, 4
		binary.BigEndian.PutUint16(b[2:4], h.MSS)
		opts = append(opts, b[:]...)
	}
	if h.HasWindowScale {
		opts = append(opts, 3, 3, h.WindowScale, 1) // 1 = no-op pad
	}
	for len(opts)%4 != 0 {
		opts = append(opts, 0)
	}
	return opts
}

// Build encodes h plus payload into a single wire segment, checksum
// computed against the given endpoints.
func Build(src, dst Addr, h Header, payload buf.Chain) *buf.Node {
	opts := buildOptions(h)
	dataOffset := (HeaderLen + len(opts)) / 4

	raw := make([]byte, HeaderLen+len(opts))
	binary.BigEndian.PutUint16(raw[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(raw[2:4], h.DstPort)
	binary.BigEndian.PutUint32(raw[4:8], uint32(h.Seq))
	binary.BigEndian.PutUint32(raw[8:12], uint32(h.Ack))
	raw[12] = byte(dataOffset << 4)
	raw[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(raw[14:16], h.Window)
	binary.BigEndian.PutUint16(raw[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(raw[18:20], 0) // urgent pointer, unused
	copy(raw[HeaderLen:], opts)

	node := &buf.Node{Data: raw}
	full := buf.Chain{Head: node, Total: len(raw) + payload.Len()}
	if payload.Offset == 0 {
		node.Next = payload.Head
	} else {
		n, within := payload.Head, payload.Offset
		for n != nil && within >= len(n.Data) {
			within -= len(n.Data)
			n = n.Next
		}
		if n != nil {
			node.Next = &buf.Node{Data: n.Data[within:], Next: n.Next}
		}
	}

	seed := pseudoHeaderSum(src, dst, full.Len())
	sum := full.ChecksumOnesComplement(seed)
	binary.BigEndian.PutUint16(raw[16:18], ^sum)
	return node
}
