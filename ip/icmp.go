package ip

import (
	"encoding/binary"
	"errors"

	"github.com/go-aistack/aistack/buf"
)

const (
	icmpTypeEchoReply   = 0
	icmpTypeEchoRequest = 8
	icmpHeaderLen       = 8 // type, code, checksum, rest-of-header
)

// ErrBadICMPChecksum is returned by parseICMP on a checksum mismatch.
var ErrBadICMPChecksum = errors.New("ip: bad icmp checksum")

type icmpMessage struct {
	Type     uint8
	Code     uint8
	Rest     [4]byte
	Payload  []byte
}

func parseICMP(payload buf.Chain) (icmpMessage, error) {
	if payload.Len() < icmpHeaderLen {
		return icmpMessage{}, ErrShortICMPMessage
	}
	if payload.ChecksumOnesComplement(0) != 0xFFFF {
		return icmpMessage{}, ErrBadICMPChecksum
	}
	raw := payload.Bytes()
	var m icmpMessage
	m.Type = raw[0]
	m.Code = raw[1]
	copy(m.Rest[:], raw[4:8])
	m.Payload = raw[8:]
	return m, nil
}

func buildICMP(m icmpMessage) *buf.Node {
	out := make([]byte, icmpHeaderLen+len(m.Payload))
	out[0] = m.Type
	out[1] = m.Code
	binary.BigEndian.PutUint16(out[2:4], 0)
	copy(out[4:8], m.Rest[:])
	copy(out[8:], m.Payload)

	node := &buf.Node{Data: out}
	sum := buf.New(node).ChecksumOnesComplement(0)
	binary.BigEndian.PutUint16(out[2:4], ^sum)
	return node
}

// ErrShortICMPMessage is returned when a received IP payload claiming
// protocol ICMP is too short to hold even the fixed header.
var ErrShortICMPMessage = errors.New("ip: short icmp message")

// handleICMP implements spec.md §4.3's ICMP paragraph: echo request gets
// an echo reply with identical rest field (ident/seq) and copied payload,
// sourced from our own interface address.
func (s *Stack) handleICMP(hdr Header, payload buf.Chain, iface *Interface) {
	msg, err := parseICMP(payload)
	if err != nil {
		if s.diag.Allow("icmp.malformed") {
			s.log.Warning().Str("error", err.Error()).Log("ip: dropped malformed icmp message")
		}
		return
	}
	if msg.Type != icmpTypeEchoRequest {
		return
	}
	reply := icmpMessage{Type: icmpTypeEchoReply, Code: 0, Rest: msg.Rest, Payload: msg.Payload}
	node := buildICMP(reply)
	_ = s.Send(iface.Subnet().IP, hdr.Src, 64, ProtoICMP, buf.New(node), iface, nil)
}
