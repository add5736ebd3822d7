package eth

import (
	"encoding/binary"
	"errors"

	"github.com/go-aistack/aistack/buf"
)

// EtherType identifies the payload carried by an Ethernet II frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// HeaderLen is the fixed length of an Ethernet II header.
const HeaderLen = 14

// ErrShortFrame is returned when a received frame is too small to contain
// even an Ethernet header.
var ErrShortFrame = errors.New("eth: frame shorter than ethernet header")

// Header is a parsed Ethernet II header (spec.md §6: "Ethernet II header
// (14 B)").
type Header struct {
	Dst  MacAddr
	Src  MacAddr
	Type EtherType
}

// ParseHeader parses the leading 14 bytes of frame as an Ethernet header,
// returning the header and the chain positioned just past it.
func ParseHeader(frame buf.Chain) (Header, buf.Chain, error) {
	if frame.Len() < HeaderLen {
		return Header{}, buf.Chain{}, ErrShortFrame
	}
	var raw [HeaderLen]byte
	frame.CopyOut(raw[:])
	var h Header
	copy(h.Dst[:], raw[0:6])
	copy(h.Src[:], raw[6:12])
	h.Type = EtherType(binary.BigEndian.Uint16(raw[12:14]))
	return h, frame.Skip(HeaderLen), nil
}

// BuildHeader encodes an Ethernet header as a standalone buf.Node, ready to
// be Concat-ed ahead of a payload chain.
func BuildHeader(h Header) *buf.Node {
	raw := make([]byte, HeaderLen)
	copy(raw[0:6], h.Dst[:])
	copy(raw[6:12], h.Src[:])
	binary.BigEndian.PutUint16(raw[12:14], uint16(h.Type))
	return &buf.Node{Data: raw}
}
