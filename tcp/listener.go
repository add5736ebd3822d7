package tcp

import (
	"github.com/go-aistack/aistack/sched"
)

// AcceptFunc is invoked synchronously the instant a queued connection
// completes its handshake, if the application registered one via
// Listener.OnAccept — otherwise the connection waits in the queue for an
// explicit Accept call.
type AcceptFunc func(conn *Connection)

// Listener implements spec.md §4.4's "Listener and accept queue":
// (local_ip=0|bound, local_port, max_pcbs, queue[queue_size], accept_handler).
type Listener struct {
	stack     *Stack
	localIP   Addr // zero value: any
	localPort uint16
	maxPCBs   int
	queueSize int
	rcvWnd    uint16

	queue      []int // pcb indices, oldest first
	queueTimer map[int]*sched.Timer

	onAccept AcceptFunc
}

// Listen registers a new Listener. rcvWnd is the window advertised to a
// connection once it is actually accepted (queued-but-unaccepted
// connections advertise a zero window per spec.md §4.4).
func (s *Stack) Listen(localIP Addr, localPort uint16, maxPCBs, queueSize int, rcvWnd uint16) *Listener {
	l := &Listener{
		stack: s, localIP: localIP, localPort: localPort,
		maxPCBs: maxPCBs, queueSize: queueSize, rcvWnd: rcvWnd,
		queueTimer: make(map[int]*sched.Timer),
	}
	s.listeners[localPort] = l
	return l
}

// OnAccept registers a handler invoked synchronously on handshake
// completion instead of queuing — spec.md §4.4's "the listener's accept
// is taken synchronously".
func (l *Listener) OnAccept(fn AcceptFunc) { l.onAccept = fn }

// Close unregisters the listener and RSTs every queued-but-unaccepted
// connection.
func (l *Listener) Close() {
	delete(l.stack.listeners, l.localPort)
	for _, idx := range l.queue {
		l.stack.abortPCB(idx, true)
	}
	l.queue = nil
}

// handshakeCompleted is called by the input path when a listener-spawned
// PCB reaches ESTABLISHED.
func (l *Listener) handshakeCompleted(idx int) {
	s := l.stack
	p := &s.pool[idx]
	if l.onAccept != nil {
		p.rcvWnd = l.rcvWnd
		p.rcvBufCap = uint32(l.rcvWnd)
		conn := newConnection(s, idx)
		p.conn = conn
		s.updateRcvWnd(p)
		l.onAccept(conn)
		return
	}
	if len(l.queue) >= l.queueSize {
		s.abortPCB(idx, true)
		return
	}
	p.rcvWnd = 0
	l.queue = append(l.queue, idx)
	timer := s.loop.NewTimer(func(sched.Time) { l.expireQueued(idx) })
	timer.Arm(s.loop.Now().Add(s.cfg.QueueTimeout))
	l.queueTimer[idx] = timer
}

func (l *Listener) expireQueued(idx int) {
	l.removeQueued(idx)
	l.stack.abortPCB(idx, true)
}

func (l *Listener) removeQueued(idx int) {
	if t, ok := l.queueTimer[idx]; ok {
		t.Cancel()
		delete(l.queueTimer, idx)
	}
	for i, q := range l.queue {
		if q == idx {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
}

// Accept dequeues the oldest completed-but-unaccepted connection, raising
// its receive window to the listener's configured size.
func (l *Listener) Accept() (*Connection, bool) {
	if len(l.queue) == 0 {
		return nil, false
	}
	idx := l.queue[0]
	l.queue = l.queue[1:]
	if t, ok := l.queueTimer[idx]; ok {
		t.Cancel()
		delete(l.queueTimer, idx)
	}
	p := &l.stack.pool[idx]
	p.rcvWnd = l.rcvWnd
	p.rcvBufCap = uint32(l.rcvWnd)
	conn := newConnection(l.stack, idx)
	p.conn = conn
	l.stack.updateRcvWnd(p)
	return conn, true
}
