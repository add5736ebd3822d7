package tcp

import (
	"github.com/go-aistack/aistack/corelog"
	"github.com/go-aistack/aistack/ip"
	"github.com/go-aistack/aistack/ratelimit"
	"github.com/go-aistack/aistack/sched"
)

const noIndex = -1

// Stack is the TCP engine of spec.md §4.4, layered over an ip.Stack the
// same way ip.Stack is layered over eth.Iface: it registers itself as the
// IP protocol handler for ip.ProtoTCP and owns the fixed PCB pool, the
// active/time-wait indices, and the registered listeners.
type Stack struct {
	loop    *sched.Loop
	ipStack *ip.Stack
	log     *corelog.Logger
	diag    *ratelimit.Diagnostics
	cfg     Config

	pool                     []pcb
	freeHead                 int
	usedHead, usedTail       int
	active, timeWait         map[fourTuple]int

	listeners map[uint16]*Listener

	nextPort   uint16
	issCounter uint32
}

// NewStack constructs a TCP engine with a fixed-size PCB pool and
// registers it with ipStack for ip.ProtoTCP.
func NewStack(loop *sched.Loop, ipStack *ip.Stack, cfg Config, log *corelog.Logger, diag *ratelimit.Diagnostics) *Stack {
	if log == nil {
		log = corelog.Discard()
	}
	s := &Stack{
		loop:      loop,
		ipStack:   ipStack,
		log:       log,
		diag:      diag,
		cfg:       cfg,
		pool:      make([]pcb, cfg.NumPCBs),
		active:    make(map[fourTuple]int),
		timeWait:  make(map[fourTuple]int),
		listeners: make(map[uint16]*Listener),
		nextPort:  49152,
		issCounter: 1,
	}
	s.freeHead = 0
	s.usedHead, s.usedTail = noIndex, noIndex
	for i := range s.pool {
		s.pool[i].prev = noIndex
		if i+1 < len(s.pool) {
			s.pool[i].next = i + 1
		} else {
			s.pool[i].next = noIndex
		}
	}
	ipStack.RegisterProtocol(ip.ProtoTCP, s.recvIP)
	return s
}

func (s *Stack) key(p *pcb) fourTuple {
	return fourTuple{localIP: p.local, remoteIP: p.remote, localPort: p.lport, remotePort: p.rport}
}

func (s *Stack) unlinkUsed(idx int) {
	p := &s.pool[idx]
	if p.prev != noIndex {
		s.pool[p.prev].next = p.next
	} else if s.usedHead == idx {
		s.usedHead = p.next
	}
	if p.next != noIndex {
		s.pool[p.next].prev = p.prev
	} else if s.usedTail == idx {
		s.usedTail = p.prev
	}
	p.prev, p.next = noIndex, noIndex
}

func (s *Stack) pushUsedFront(idx int) {
	p := &s.pool[idx]
	p.prev = noIndex
	p.next = s.usedHead
	if s.usedHead != noIndex {
		s.pool[s.usedHead].prev = idx
	}
	s.usedHead = idx
	if s.usedTail == noIndex {
		s.usedTail = idx
	}
}

func (s *Stack) popFree() (int, bool) {
	if s.freeHead == noIndex {
		return 0, false
	}
	idx := s.freeHead
	s.freeHead = s.pool[idx].next
	return idx, true
}

func (s *Stack) pushFree(idx int) {
	s.pool[idx] = pcb{prev: noIndex, next: s.freeHead}
	s.freeHead = idx
}

// allocate returns a PCB slot per spec.md §4.4 "PCB allocation": the MRU
// free slot if one exists, else the oldest unreferenced (not SYN_SENT/
// SYN_RCVD/TIME_WAIT) used slot, RST-aborted and reclaimed.
func (s *Stack) allocate() (int, bool) {
	if idx, ok := s.popFree(); ok {
		s.pushUsedFront(idx)
		s.pool[idx].selfIdx = idx
		return idx, true
	}
	for idx := s.usedTail; idx != noIndex; idx = s.pool[idx].prev {
		p := &s.pool[idx]
		if p.state.protectsFromEviction() {
			continue
		}
		s.abortPCB(idx, true)
		s.unlinkUsed(idx)
		s.pool[idx] = pcb{prev: noIndex, next: noIndex, selfIdx: idx}
		s.pushUsedFront(idx)
		return idx, true
	}
	return 0, false
}

// abortConnection is the Connection-facing entry point into abortPCB.
func (s *Stack) abortConnection(p *pcb, sendRst bool) {
	s.abortPCB(p.selfIdx, sendRst)
}

// abortPCB tears down idx, calling the owning connection's aborted
// callback and optionally sending RST, per spec.md §4.4's eviction and
// abort paths.
func (s *Stack) abortPCB(idx int, sendRst bool) {
	p := &s.pool[idx]
	delete(s.active, s.key(p))
	delete(s.timeWait, s.key(p))
	if p.rtxTimer != nil {
		p.rtxTimer.Cancel()
	}
	if p.abortTimer != nil {
		p.abortTimer.Cancel()
	}
	if sendRst && p.state != StateClosed && p.state != StateTimeWait {
		s.sendRST(p)
	}
	if p.conn != nil {
		c := p.conn
		p.conn = nil
		c.pcbIdx = noIndex
		if c.onAborted != nil {
			c.onAborted()
		}
	}
	if p.listener != nil {
		p.listener.removeQueued(idx)
	}
}

func (s *Stack) allocPort() uint16 {
	for {
		port := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = 49152
		}
		free := true
		for t := range s.active {
			if t.localPort == port {
				free = false
				break
			}
		}
		if free {
			return port
		}
	}
}

func (s *Stack) allocISS() Seq {
	s.issCounter += 64000
	return Seq(s.issCounter)
}
