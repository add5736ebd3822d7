package tcp

import (
	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/ip"
)

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// sendSegment builds and transmits one TCP segment for p. Any segment
// carrying ACK also carries our current receive window, so this is the
// single choke point that tracks rcv_ann (spec.md §3): the window value
// we most recently actually advertised to the peer.
func (s *Stack) sendSegment(p *pcb, flags Flags, seq, ack Seq, window uint16, mss uint16, payload buf.Chain) {
	h := Header{SrcPort: p.lport, DstPort: p.rport, Seq: seq, Ack: ack, Flags: flags, Window: window}
	if mss != 0 {
		h.MSS = mss
	}
	if flags.Has(FlagACK) {
		p.rcvAnn = window
	}
	node := Build(p.local, p.remote, h, payload)
	_ = s.ipStack.Send(p.local, p.remote, 64, ip.ProtoTCP, buf.New(node), p.iface, nil)
}

// sendBareRST replies to a segment with no matching PCB or listener
// (RFC 793 §3.4's "reset generation" for a closed port).
func (s *Stack) sendBareRST(iface *ip.Interface, local, remote Addr, h Header) {
	var seq, ack Seq
	var flags Flags = FlagRST
	if h.Flags.Has(FlagACK) {
		seq = h.Ack
	} else {
		ack = h.Seq
		flags |= FlagACK
	}
	out := Header{SrcPort: h.DstPort, DstPort: h.SrcPort, Seq: seq, Ack: ack, Flags: flags}
	node := Build(local, remote, out, buf.Chain{})
	_ = s.ipStack.Send(local, remote, 64, ip.ProtoTCP, buf.New(node), iface, nil)
}

// sendBareRSTFromPCB replies to an unacceptable ACK in SYN_SENT with a RST
// whose sequence number is the peer's claimed ACK (RFC 793 §3.4).
func (s *Stack) sendBareRSTFromPCB(p *pcb, ackValue Seq) {
	s.sendSegment(p, FlagRST, ackValue, 0, 0, 0, buf.Chain{})
}

// sendRST sends a RST for an established PCB being aborted.
func (s *Stack) sendRST(p *pcb) {
	s.sendSegment(p, FlagRST, p.sndNxt, 0, 0, 0, buf.Chain{})
}

// output implements spec.md §4.4 "Output" (pcb_output): send up to
// window-allowed segments bounded by snd_mss, honoring Nagle, PSH
// placement, and RTT-measurement bookkeeping; then emit a queued FIN once
// all data has been sent.
func (s *Stack) output(p *pcb) {
	if p.state == StateClosed || p.state == StateSynSent {
		return
	}

	for {
		offset := int(p.sndNxt.Sub(p.sndBufSeq))
		unsent := len(p.sndBuf) - offset
		if unsent <= 0 {
			break
		}

		win := p.sndWnd
		if p.cwnd < win {
			win = p.cwnd
		}
		winAvail := int(p.sndUna.Add(int(win)).Sub(p.sndNxt))
		if winAvail <= 0 {
			break
		}

		segLen := minInt(unsent, int(p.sndMss))
		segLen = minInt(segLen, winAvail)
		if segLen <= 0 {
			break
		}

		nagleHolds := unsent < int(p.sndMss) &&
			(p.sndPshIdx < 0 || p.sndPshIdx <= offset) &&
			!p.finQueued &&
			p.sndNxt.GT(p.sndUna) // only holds once something is already in flight
		if nagleHolds {
			break
		}

		flags := FlagACK
		pushBoundary := offset + segLen
		if p.sndPshIdx >= 0 && p.sndPshIdx < pushBoundary {
			flags |= FlagPSH
		}

		seq := p.sndNxt
		segData := buf.Single(p.sndBuf[offset : offset+segLen])
		s.sendSegment(p, flags, seq, p.rcvNxt, p.rcvWnd, 0, segData)

		if !p.rttMeasuring {
			p.rttMeasuring = true
			p.rttSeq = seq
			p.rttStart = s.loop.Now()
		}

		p.sndNxt = p.sndNxt.Add(segLen)
	}

	if p.finQueued && !p.finSent {
		offset := int(p.sndNxt.Sub(p.sndBufSeq))
		if offset >= len(p.sndBuf) {
			s.sendSegment(p, FlagFIN|FlagACK, p.sndNxt, p.rcvNxt, p.rcvWnd, 0, buf.Chain{})
			p.finSeq = p.sndNxt
			p.sndNxt = p.sndNxt.Add(1)
			p.finSent = true
			switch p.state {
			case StateEstablished:
				p.state = StateFinWait1
			case StateCloseWait:
				p.state = StateLastAck
			}
		}
	}

	s.rearmRtxTimer(p)
}
