package tcp

import "errors"

// ErrConnectionAborted is returned by Connection methods once the PCB has
// been aborted (RST received, eviction, or timeout).
var ErrConnectionAborted = errors.New("tcp: connection aborted")

// Connection is the application-facing handle spec.md §6 calls for: it
// wraps one live PCB, exposing Write/Close/Abort and an aborted callback.
// Received data is delivered via OnReceive as it arrives in order.
type Connection struct {
	stack  *Stack
	pcbIdx int

	onAborted func()
	onReceive func([]byte)
}

func newConnection(s *Stack, idx int) *Connection {
	return &Connection{stack: s, pcbIdx: idx}
}

func (c *Connection) pcb() (*pcb, bool) {
	if c.pcbIdx == noIndex {
		return nil, false
	}
	return &c.stack.pool[c.pcbIdx], true
}

// OnAborted registers the callback invoked exactly once when this
// connection is torn down abnormally (spec.md §4.4's "connectionAborted").
func (c *Connection) OnAborted(fn func()) { c.onAborted = fn }

// OnReceive registers the callback invoked with newly available in-order
// received bytes; the buffer is only valid for the duration of the call.
// Bytes handed to this callback still count against the receive window
// until the application accepts them via ReceiveMore.
func (c *Connection) OnReceive(fn func([]byte)) { c.onReceive = fn }

// ReceiveMore implements spec.md §6's TcpConnection::receive_more(
// n_bytes_accepted): it tells the stack the application has finished with
// n bytes at the front of whatever OnReceive has delivered so far,
// freeing that much receive-buffer capacity and, once enough has
// accumulated (or the window had closed entirely), reopening the
// advertised window with an immediate ACK.
func (c *Connection) ReceiveMore(n int) {
	p, ok := c.pcb()
	if !ok {
		return
	}
	c.stack.receiveMore(p, n)
}

// Write appends data to the send buffer; it will be segmented and
// transmitted by pcb_output as window and MSS allow.
func (c *Connection) Write(data []byte) (int, error) {
	p, ok := c.pcb()
	if !ok {
		return 0, ErrConnectionAborted
	}
	if p.finQueued {
		return 0, errors.New("tcp: write after close")
	}
	p.sndBuf = append(p.sndBuf, data...)
	p.sndPshIdx = len(p.sndBuf)
	c.stack.output(p)
	return len(data), nil
}

// Close performs a graceful close: if there is unsent/unacked data or the
// connection is still in SYN_SENT, it aborts with RST instead (spec.md
// §4.4 "close from abandoned"); otherwise it queues a FIN and ensures the
// receive window is reopened to at least rcv_mss, so any trailing data
// the peer still sends during wind-down is acknowledged promptly.
func (c *Connection) Close() error {
	p, ok := c.pcb()
	if !ok {
		return ErrConnectionAborted
	}
	if p.state == StateSynSent {
		c.stack.abortConnection(p, true)
		return nil
	}
	p.finQueued = true
	c.stack.ensureMinRcvWindow(p)
	c.stack.output(p)
	return nil
}

// Abort immediately sends RST and tears down the connection.
func (c *Connection) Abort() {
	if p, ok := c.pcb(); ok {
		c.stack.abortConnection(p, true)
	}
}

// LocalAddr/RemoteAddr/LocalPort/RemotePort expose the connection's
// endpoint identity.
func (c *Connection) LocalAddr() (Addr, uint16) {
	p, _ := c.pcb()
	if p == nil {
		return Addr{}, 0
	}
	return p.local, p.lport
}

func (c *Connection) RemoteAddr() (Addr, uint16) {
	p, _ := c.pcb()
	if p == nil {
		return Addr{}, 0
	}
	return p.remote, p.rport
}
