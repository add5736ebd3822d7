package tcp

import (
	"errors"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/ip"
	"github.com/go-aistack/aistack/sched"
)

// ErrNoPCBAvail is returned by Connect when the PCB pool has no free or
// evictable slot (spec.md §7's NO_PCB_AVAIL).
var ErrNoPCBAvail = errors.New("tcp: no pcb available")

// Connect performs an active open to (remoteIP, remotePort) over iface,
// returning a Connection immediately in SYN_SENT; data written before the
// handshake completes is buffered and sent once ESTABLISHED.
func (s *Stack) Connect(iface *ip.Interface, remoteIP Addr, remotePort uint16) (*Connection, error) {
	idx, ok := s.allocate()
	if !ok {
		return nil, ErrNoPCBAvail
	}
	p := &s.pool[idx]
	p.state = StateSynSent
	p.iface = iface
	p.local = iface.Subnet().IP
	p.remote = remoteIP
	p.lport = s.allocPort()
	p.rport = remotePort
	p.iss = s.allocISS()
	p.sndUna = p.iss
	p.sndNxt = p.iss.Add(1)
	p.sndBufSeq = p.iss.Add(1)
	p.sndPshIdx = -1
	rcvWnd := s.cfg.InitialWindow
	if rcvWnd > 65535 {
		rcvWnd = 65535
	}
	p.rcvWnd = uint16(rcvWnd)
	p.rcvBufCap = rcvWnd
	p.cwnd = s.cfg.InitialWindow
	p.ssthresh = 0xFFFFFFFF
	p.rto = s.cfg.MinRtxTime
	p.baseSndMss = uint16(iface.MTU - ip.HeaderLen - HeaderLen)
	p.sndMss = p.baseSndMss
	p.rcvMss = p.baseSndMss
	p.rtxTimer = s.loop.NewTimer(func(sched.Time) { s.rtxExpired(idx) })

	conn := newConnection(s, idx)
	p.conn = conn

	s.active[s.key(p)] = idx
	s.sendSegment(p, FlagSYN, p.iss, 0, p.rcvWnd, p.baseSndMss, buf.Chain{})
	s.rearmRtxTimer(p)
	return conn, nil
}
