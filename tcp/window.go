package tcp

import "github.com/go-aistack/aistack/buf"

// trueRcvWnd computes the window purely from remaining buffer capacity,
// independent of whatever was last advertised to the peer.
func (p *pcb) trueRcvWnd() uint32 {
	used := uint32(len(p.rcvBuf))
	if used >= p.rcvBufCap {
		return 0
	}
	w := p.rcvBufCap - used
	if w > 65535 {
		w = 65535
	}
	return w
}

// updateRcvWnd recomputes p.rcvWnd from rcvBuf's occupancy and, per
// spec.md §3's rcv_ann/rcv_ann_thres fields, forces an immediate
// window-update ACK when the reopening is large enough to matter: either
// the window had closed to zero and just reopened at all, or it grew by
// at least RcvAnnThres since the value last actually sent — avoiding a
// trickle of useless window-update segments (silly window syndrome).
// Call this after anything that changes rcvBuf's length: acceptInOrder,
// drainOOSEQ, and ReceiveMore.
func (s *Stack) updateRcvWnd(p *pcb) {
	w := uint16(p.trueRcvWnd())
	p.rcvWnd = w
	if p.state == StateClosed || p.state == StateSynSent || p.state == StateSynRcvd {
		return // nothing negotiated to advertise against yet
	}
	reopened := p.rcvAnn == 0 && w > 0
	grew := w > p.rcvAnn && uint32(w-p.rcvAnn) >= s.cfg.RcvAnnThres
	if reopened || grew {
		s.sendSegment(p, FlagACK, p.sndNxt, p.rcvNxt, w, 0, buf.Chain{})
	}
}

// ensureMinRcvWindow implements spec.md §4.4's "close from abandoned...
// ensure rcv window ≥ rcv_mss (advertise if needed)": ReceiveMore is no
// longer coming (the application has given up the connection), so any
// capacity shortfall that would otherwise leave the window below our own
// rcv_mss is lifted here, and the result is advertised immediately if it
// grew.
func (s *Stack) ensureMinRcvWindow(p *pcb) {
	if uint32(p.rcvMss) > p.rcvBufCap {
		p.rcvBufCap = uint32(p.rcvMss)
	}
	s.updateRcvWnd(p)
}

// receiveMore implements spec.md §6's TcpConnection::receive_more(
// n_bytes_accepted): the application has finished with n bytes at the
// front of what OnReceive has delivered so far, freeing that much
// receive-buffer capacity.
func (s *Stack) receiveMore(p *pcb, n int) {
	if n <= 0 || len(p.rcvBuf) == 0 {
		return
	}
	if n > len(p.rcvBuf) {
		n = len(p.rcvBuf)
	}
	p.rcvBuf = p.rcvBuf[n:]
	s.updateRcvWnd(p)
}
