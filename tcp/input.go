package tcp

import (
	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/ip"
	"github.com/go-aistack/aistack/sched"
)

// recvIP is registered with ip.Stack as the ip.ProtoTCP handler.
func (s *Stack) recvIP(hdr ip.Header, payload buf.Chain, iface *ip.Interface) {
	h, data, err := ParseHeader(hdr.Src, hdr.Dst, payload)
	if err != nil {
		if s.diag.Allow("tcp.malformed") {
			s.log.Warning().Str("error", err.Error()).Log("tcp: dropped malformed segment")
		}
		return
	}

	key := fourTuple{localIP: hdr.Dst, remoteIP: hdr.Src, localPort: h.DstPort, remotePort: h.SrcPort}
	if idx, ok := s.active[key]; ok {
		s.pcbInput(idx, h, data, iface)
		return
	}
	if idx, ok := s.timeWait[key]; ok {
		s.timeWaitInput(idx, h)
		return
	}
	if l, ok := s.listeners[h.DstPort]; ok && (l.localIP.IsZero() || l.localIP == hdr.Dst) {
		s.handleNewSyn(l, h, data, hdr, iface)
		return
	}
	if !h.Flags.Has(FlagRST) {
		s.sendBareRST(iface, hdr.Dst, hdr.Src, h)
	}
}

func (s *Stack) handleNewSyn(l *Listener, h Header, data buf.Chain, hdr ip.Header, iface *ip.Interface) {
	if !h.Flags.Has(FlagSYN) || h.Flags.Has(FlagACK) {
		if !h.Flags.Has(FlagRST) {
			s.sendBareRST(iface, hdr.Dst, hdr.Src, h)
		}
		return
	}
	idx, ok := s.allocate()
	if !ok {
		return
	}
	p := &s.pool[idx]
	p.state = StateSynRcvd
	p.iface = iface
	p.local = hdr.Dst
	p.remote = hdr.Src
	p.lport = h.DstPort
	p.rport = h.SrcPort
	p.listener = l
	p.rcvNxt = h.Seq.Add(1)
	rcvWnd := s.cfg.InitialWindow
	if rcvWnd > 65535 {
		rcvWnd = 65535
	}
	p.rcvWnd = uint16(rcvWnd)
	p.rcvBufCap = rcvWnd
	p.rcvMss = uint16(iface.MTU - ip.HeaderLen - HeaderLen)
	p.iss = s.allocISS()
	p.sndUna = p.iss
	p.sndNxt = p.iss.Add(1)
	p.sndBufSeq = p.iss.Add(1)
	p.sndPshIdx = -1
	p.cwnd = s.cfg.InitialWindow
	p.ssthresh = 0xFFFFFFFF
	p.rto = s.cfg.MinRtxTime
	p.baseSndMss = negotiateMSS(h.MSS, iface)
	p.sndMss = p.baseSndMss
	p.rtxTimer = s.loop.NewTimer(func(sched.Time) { s.rtxExpired(idx) })
	s.active[s.key(p)] = idx

	s.sendSegment(p, FlagSYN|FlagACK, p.iss, p.rcvNxt, p.rcvWnd, p.baseSndMss, buf.Chain{})
}

func negotiateMSS(peerMSS uint16, iface *ip.Interface) uint16 {
	ifaceMSS := uint16(iface.MTU - ip.HeaderLen - HeaderLen)
	if peerMSS == 0 {
		peerMSS = 536
	}
	if peerMSS < ifaceMSS {
		return peerMSS
	}
	return ifaceMSS
}

// pcbInput implements spec.md §4.4 "Input processing (pcb_input)".
func (s *Stack) pcbInput(idx int, h Header, data buf.Chain, iface *ip.Interface) {
	p := &s.pool[idx]

	if h.Flags.Has(FlagRST) {
		s.abortPCB(idx, false)
		return
	}

	if p.state == StateSynSent {
		s.synSentInput(p, h, data)
		return
	}

	if !s.segmentAcceptable(p, h, data.Len()) {
		if !h.Flags.Has(FlagRST) {
			s.sendSegment(p, FlagACK, p.sndNxt, p.rcvNxt, p.rcvWnd, 0, buf.Chain{})
		}
		return
	}

	if h.Flags.Has(FlagACK) {
		s.processAck(p, h)
	}

	if h.Seq == p.rcvNxt {
		s.acceptInOrder(p, h, data)
	} else if h.Seq.GT(p.rcvNxt) {
		s.insertOOSEQ(p, h, data)
	}

	switch p.state {
	case StateSynRcvd:
		if h.Flags.Has(FlagACK) {
			p.state = StateEstablished
			if p.listener != nil {
				l := p.listener
				p.listener = nil
				l.handshakeCompleted(idx)
			}
		}
	case StateCloseWait, StateEstablished:
	case StateFinWait1:
		if p.finSent && p.sndUna.GT(p.finSeq) {
			p.state = StateFinWait2
		}
	case StateClosing:
		if p.finSent && p.sndUna.GT(p.finSeq) {
			s.enterTimeWait(p)
		}
	case StateLastAck:
		if p.finSent && p.sndUna.GT(p.finSeq) {
			s.abortPCB(idx, false)
			return
		}
	}

	if p.peerFin && p.state == StateEstablished {
		p.state = StateCloseWait
	}
	if p.peerFin && p.state == StateFinWait1 {
		p.state = StateClosing
	}
	if p.peerFin && p.state == StateFinWait2 {
		s.enterTimeWait(p)
		return
	}

	s.output(p)
}

func (s *Stack) synSentInput(p *pcb, h Header, data buf.Chain) {
	if h.Flags.Has(FlagACK) {
		if h.Ack.LE(p.iss) || h.Ack.GT(p.sndNxt) {
			if !h.Flags.Has(FlagRST) {
				s.sendBareRSTFromPCB(p, h.Ack)
			}
			return
		}
	}
	if h.Flags.Has(FlagRST) {
		if h.Flags.Has(FlagACK) {
			s.abortPCB(p.selfIdx, false)
		}
		return
	}
	if !h.Flags.Has(FlagSYN) {
		return
	}
	p.rcvNxt = h.Seq.Add(1)
	p.baseSndMss = negotiateMSS(h.MSS, p.iface)
	p.sndMss = p.baseSndMss
	p.rcvMss = uint16(p.iface.MTU - ip.HeaderLen - HeaderLen)
	if h.Flags.Has(FlagACK) {
		p.sndUna = h.Ack
		p.state = StateEstablished
		s.sendSegment(p, FlagACK, p.sndNxt, p.rcvNxt, p.rcvWnd, 0, buf.Chain{})
	} else {
		p.state = StateSynRcvd
		s.sendSegment(p, FlagSYN|FlagACK, p.iss, p.rcvNxt, p.rcvWnd, p.baseSndMss, buf.Chain{})
	}
	s.output(p)
}

// segmentAcceptable implements RFC 793 §3.9's sequence acceptability test.
func (s *Stack) segmentAcceptable(p *pcb, h Header, dataLen int) bool {
	wnd := int(p.rcvWnd)
	if dataLen == 0 {
		if wnd == 0 {
			return h.Seq == p.rcvNxt
		}
		return h.Seq.GE(p.rcvNxt) && h.Seq.LT(p.rcvNxt.Add(wnd))
	}
	if wnd == 0 {
		return false
	}
	segStart := h.Seq
	segEnd := h.Seq.Add(dataLen - 1)
	return (segStart.GE(p.rcvNxt) && segStart.LT(p.rcvNxt.Add(wnd))) ||
		(segEnd.GE(p.rcvNxt) && segEnd.LT(p.rcvNxt.Add(wnd)))
}

func (s *Stack) acceptInOrder(p *pcb, h Header, data buf.Chain) {
	n := data.Len()
	if n > 0 {
		b := data.Bytes()
		p.rcvBuf = append(p.rcvBuf, b...)
		p.rcvNxt = p.rcvNxt.Add(n)
		if p.conn != nil && p.conn.onReceive != nil {
			p.conn.onReceive(b)
		}
		s.updateRcvWnd(p)
	}
	if h.Flags.Has(FlagFIN) {
		p.rcvNxt = p.rcvNxt.Add(1)
		p.peerFin = true
	}
	s.drainOOSEQ(p)
}

// insertOOSEQ implements spec.md §4.4's out-of-sequence buffer: merge on
// insert, bounded by NumOosSegs, drop on overflow.
func (s *Stack) insertOOSEQ(p *pcb, h Header, data buf.Chain) {
	n := data.Len()
	start, end := h.Seq, h.Seq.Add(n)
	var b []byte
	if n > 0 {
		b = data.Bytes()
	}

	merged := oosegRange{start: start, end: end, data: b}
	var out []oosegRange
	for _, r := range p.ooseq {
		if r.end.LT(merged.start) || r.start.GT(merged.end) {
			out = append(out, r)
			continue
		}
		// overlap or adjacency: merge, preferring the newer segment's
		// bytes in the overlap region (best-effort; duplicate data is
		// assumed consistent per spec.md's silence on conflict policy).
		newStart, newEnd := merged.start, merged.end
		if r.start.LT(newStart) {
			newStart = r.start
		}
		if r.end.GT(newEnd) {
			newEnd = r.end
		}
		combined := make([]byte, int(newEnd.Sub(newStart)))
		copy(combined[r.start.Sub(newStart):], r.data)
		copy(combined[merged.start.Sub(newStart):], merged.data)
		merged = oosegRange{start: newStart, end: newEnd, data: combined}
	}
	out = append(out, merged)
	if len(out) > s.cfg.NumOosSegs {
		return // buffer full: drop the new segment per spec.md
	}
	p.ooseq = out

	if h.Flags.Has(FlagFIN) {
		p.ooFin = true
		p.ooFinSeq = end
	}
}

// drainOOSEQ folds any out-of-sequence range now contiguous with rcv_nxt
// into the in-order stream, potentially across multiple merged ranges.
func (s *Stack) drainOOSEQ(p *pcb) {
	for {
		idx := -1
		for i, r := range p.ooseq {
			if r.start.LE(p.rcvNxt) && r.end.GT(p.rcvNxt) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return
		}
		r := p.ooseq[idx]
		p.ooseq = append(p.ooseq[:idx], p.ooseq[idx+1:]...)
		skip := p.rcvNxt.Sub(r.start)
		fresh := r.data[skip:]
		p.rcvBuf = append(p.rcvBuf, fresh...)
		p.rcvNxt = p.rcvNxt.Add(len(fresh))
		if p.conn != nil && p.conn.onReceive != nil && len(fresh) > 0 {
			p.conn.onReceive(fresh)
		}
		if len(fresh) > 0 {
			s.updateRcvWnd(p)
		}
		if p.ooFin && p.rcvNxt.GE(p.ooFinSeq) {
			p.rcvNxt = p.ooFinSeq.Add(1)
			p.peerFin = true
			p.ooFin = false
		}
	}
}

// processAck implements the ACK half of pcb_input: snd_una advancement,
// duplicate-ack counting, and fast retransmit entry.
func (s *Stack) processAck(p *pcb, h Header) {
	if h.Ack.GT(p.sndNxt) {
		s.sendSegment(p, FlagACK, p.sndNxt, p.rcvNxt, p.rcvWnd, 0, buf.Chain{})
		return
	}
	p.sndWnd = uint32(h.Window)

	if h.Ack.LE(p.sndUna) {
		if h.Ack == p.sndUna && p.sndNxt.GT(p.sndUna) {
			p.numDupAck++
			if p.numDupAck >= s.cfg.FastRtxDupAcks && !p.inRecover {
				s.enterFastRetransmit(p)
			}
		}
		return
	}

	newData := h.Ack.GT(p.sndBufSeq)
	p.numDupAck = 0

	if p.rttMeasuring && h.Ack.GT(p.rttSeq) {
		s.updateRTT(p, s.loop.Now().Sub(p.rttStart))
		p.rttMeasuring = false
	}

	if p.inRecover {
		if h.Ack.GE(p.recover) {
			p.inRecover = false
		} else if newData {
			// partial ACK below recover: retransmit one segment, per
			// spec.md §4.4.
			off := int(h.Ack.Sub(p.sndBufSeq))
			if avail := len(p.sndBuf) - off; avail > 0 {
				segLen := avail
				if int(p.sndMss) < segLen {
					segLen = int(p.sndMss)
				}
				s.sendSegment(p, FlagACK, h.Ack, p.rcvNxt, p.rcvWnd, 0, buf.Single(p.sndBuf[off:off+segLen]))
			}
		}
	}

	s.updateCongestionWindow(p, newData)

	p.sndUna = h.Ack
	if newData {
		trim := int(h.Ack.Sub(p.sndBufSeq))
		if trim > len(p.sndBuf) {
			trim = len(p.sndBuf)
		}
		p.sndBuf = p.sndBuf[trim:]
		p.sndBufSeq = p.sndBufSeq.Add(trim)
		if p.sndPshIdx >= 0 {
			p.sndPshIdx -= trim
			if p.sndPshIdx < 0 {
				p.sndPshIdx = 0
			}
		}
	}

	s.rearmRtxTimer(p)
}

func (s *Stack) timeWaitInput(idx int, h Header) {
	p := &s.pool[idx]
	if h.Flags.Has(FlagFIN) || (h.Flags.Has(FlagACK) && h.Ack == p.sndNxt) {
		s.sendSegment(p, FlagACK, p.sndNxt, p.rcvNxt, 0, 0, buf.Chain{})
		if p.abortTimer != nil {
			p.abortTimer.Arm(s.loop.Now().Add(s.cfg.TimeWaitTimeTicks))
		}
	}
}

// enterTimeWait implements spec.md §4.4 "Any → TIME_WAIT".
func (s *Stack) enterTimeWait(p *pcb) {
	oldKey := s.key(p)
	if p.rtxTimer != nil {
		p.rtxTimer.Cancel()
	}
	p.state = StateTimeWait
	// Open Question (preserved verbatim, not inferred): clear snd_nxt to
	// snd_una on entering TIME_WAIT even though nothing currently depends
	// on it.
	p.sndNxt = p.sndUna
	delete(s.active, oldKey)
	s.timeWait[s.key(p)] = p.selfIdx
	if p.abortTimer == nil {
		idx := p.selfIdx
		p.abortTimer = s.loop.NewTimer(func(sched.Time) { s.abortPCB(idx, false) })
	}
	p.abortTimer.Arm(s.loop.Now().Add(s.cfg.TimeWaitTimeTicks))
}
