package tcp

import (
	"time"

	"github.com/go-aistack/aistack/buf"
)

func boundedDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// rearmRtxTimer implements spec.md §4.4 "Retransmission": the single
// RtxTimer is armed whenever there is unacked data, an unacked FIN, or a
// zero-window probe situation, and cancelled otherwise.
func (s *Stack) rearmRtxTimer(p *pcb) {
	if p.rtxTimer == nil {
		return
	}
	unackedData := p.sndNxt.GT(p.sndUna)
	probeNeeded := p.sndWnd == 0 && len(p.sndBuf) > int(p.sndUna.Sub(p.sndBufSeq))
	if unackedData || probeNeeded {
		p.rtxTimer.Arm(s.loop.Now().Add(p.rto))
	} else {
		p.rtxTimer.Cancel()
	}
}

// rtxExpired implements the RtxTimer-expiry half of spec.md §4.4
// "Retransmission": retransmit one segment from snd_una, double rto, and
// re-arm; a zero window gets a 1-byte probe instead.
func (s *Stack) rtxExpired(idx int) {
	p := &s.pool[idx]
	if p.state == StateClosed || p.state == StateTimeWait {
		return
	}

	if p.sndWnd == 0 && len(p.sndBuf) > int(p.sndUna.Sub(p.sndBufSeq)) {
		off := int(p.sndUna.Sub(p.sndBufSeq))
		s.sendSegment(p, FlagACK, p.sndUna, p.rcvNxt, p.rcvWnd, 0, buf.Single(p.sndBuf[off:off+1]))
	} else if p.sndNxt.GT(p.sndUna) {
		segLen := minInt(int(p.sndMss), maxInt(1, int(p.sndWnd)))
		off := int(p.sndUna.Sub(p.sndBufSeq))
		avail := len(p.sndBuf) - off
		if avail > 0 {
			segLen = minInt(segLen, avail)
			s.sendSegment(p, FlagACK, p.sndUna, p.rcvNxt, p.rcvWnd, 0, buf.Single(p.sndBuf[off:off+segLen]))
			p.sndNxt = p.sndUna.Add(segLen)
		} else if p.finSent {
			s.sendSegment(p, FlagFIN|FlagACK, p.finSeq, p.rcvNxt, p.rcvWnd, 0, buf.Chain{})
			p.sndNxt = p.finSeq.Add(1)
		}

		p.ssthresh = maxU32(p.cwnd/2, 2*uint32(p.sndMss))
		p.cwnd = uint32(p.sndMss)
		p.inRecover = false
		p.rttMeasuring = false
	}

	p.rto = boundedDuration(p.rto*2, s.cfg.MinRtxTime, s.cfg.MaxRtxTime)
	s.rearmRtxTimer(p)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// enterFastRetransmit implements spec.md §4.4's "num_dupack ≥
// FastRtxDupAcks" branch.
func (s *Stack) enterFastRetransmit(p *pcb) {
	p.ssthresh = maxU32(p.cwnd/2, 2*uint32(p.sndMss))
	p.cwnd = p.ssthresh + 3*uint32(p.sndMss)
	p.recover = p.sndNxt
	p.inRecover = true

	off := int(p.sndUna.Sub(p.sndBufSeq))
	if avail := len(p.sndBuf) - off; avail > 0 {
		segLen := minInt(int(p.sndMss), avail)
		s.sendSegment(p, FlagACK, p.sndUna, p.rcvNxt, p.rcvWnd, 0, buf.Single(p.sndBuf[off:off+segLen]))
	}
}

// updateCongestionWindow implements spec.md §4.4 "Congestion control":
// slow start below ssthresh, congestion avoidance above it, both
// approximated per-ACK rather than strictly per-round-trip via
// cwnd_acked accumulation.
func (s *Stack) updateCongestionWindow(p *pcb, newData bool) {
	if !newData || p.inRecover {
		return
	}
	mss := uint32(p.sndMss)
	if mss == 0 {
		return
	}
	if p.cwnd < p.ssthresh {
		p.cwnd += mss
		return
	}
	p.cwndAcked += mss
	if p.cwndAcked >= p.cwnd {
		p.cwndAcked -= p.cwnd
		p.cwnd += mss
	}
}

// updateRTT implements spec.md §4.4's smoothed RTT estimator (Jacobson/
// Karels via right-shift fixed-point arithmetic, srtt scaled by 8, rttvar
// scaled by 4 — the standard RFC 6298 recurrence expressed without
// floating point).
func (s *Stack) updateRTT(p *pcb, measured time.Duration) {
	m := int32(measured.Milliseconds())
	if m < 0 {
		m = 0
	}
	if p.srtt == 0 {
		p.srtt = m << 3
		p.rttvar = m << 1
	} else {
		delta := m - (p.srtt >> 3)
		p.srtt += delta
		if delta < 0 {
			delta = -delta
		}
		p.rttvar += (delta - (p.rttvar >> 2))
	}
	rtoMs := (p.srtt >> 3) + 4*(p.rttvar>>2)
	if rtoMs <= 0 {
		rtoMs = 1
	}
	p.rto = boundedDuration(time.Duration(rtoMs)*time.Millisecond, s.cfg.MinRtxTime, s.cfg.MaxRtxTime)
}
