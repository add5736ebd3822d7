package tcp

import (
	"time"

	"github.com/go-aistack/aistack/ip"
	"github.com/go-aistack/aistack/sched"
)

// State is a PCB's RFC 793 §3.2 connection state.
type State uint8

const (
	StateClosed State = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// protects reports whether a PCB in this state is exempt from
// oldest-unreferenced-PCB eviction (spec.md §4.4 "PCB allocation").
func (s State) protectsFromEviction() bool {
	return s == StateSynSent || s == StateSynRcvd || s == StateTimeWait
}

// fourTuple is the PCB lookup key: (local addr/port, remote addr/port).
type fourTuple struct {
	localIP, remoteIP     Addr
	localPort, remotePort uint16
}

// Config sizes and times the TCP engine (build-time configuration table,
// REDESIGN FLAG in SPEC_FULL.md: "template metaprogramming to bind
// services... replace with... a build-time configuration table").
type Config struct {
	NumPCBs       int
	NumOosSegs    int
	MinAllowedMss uint16
	InitialWindow uint32

	// RcvAnnThres is the rcv_ann_thres of spec.md §3: the minimum growth in
	// true receive window, beyond what was last advertised, before an
	// out-of-band window-update ACK is sent (silly-window-syndrome
	// avoidance — see ReceiveMore/updateRcvWnd in window.go).
	RcvAnnThres uint32

	MinRtxTime time.Duration
	MaxRtxTime time.Duration

	TimeWaitTimeTicks     time.Duration
	AbandonedTimeoutTicks time.Duration
	QueueTimeout          time.Duration

	FastRtxDupAcks uint8
}

func DefaultConfig() Config {
	return Config{
		NumPCBs:               16,
		NumOosSegs:            4,
		MinAllowedMss:         536,
		InitialWindow:         4380,
		RcvAnnThres:           536,
		MinRtxTime:            250 * time.Millisecond,
		MaxRtxTime:            60 * time.Second,
		TimeWaitTimeTicks:     2 * 60 * time.Second,
		AbandonedTimeoutTicks: 30 * time.Second,
		QueueTimeout:          30 * time.Second,
		FastRtxDupAcks:        3,
	}
}

// oosegRange is one contiguous out-of-sequence data range (spec.md §4.4
// "Out-of-sequence buffer"): ranges are merged on insert, and the range
// covering rcv_nxt is drained into the in-order stream.
type oosegRange struct {
	start, end Seq // [start, end)
	data       []byte
}

// pcb is one Protocol Control Block (spec.md §3's "TCP PCB").
type pcb struct {
	state State
	iface *ip.Interface

	local  Addr
	remote Addr
	lport  uint16
	rport  uint16

	// send side
	sndUna     Seq
	sndNxt     Seq
	sndWnd     uint32
	sndBuf     []byte // bytes written by the app, not yet acknowledged+freed
	sndBufSeq  Seq    // sequence number of sndBuf[0]
	sndPshIdx  int    // index into sndBuf of the push boundary, -1 if none pending
	sndMss     uint16
	baseSndMss uint16

	finQueued bool
	finSent   bool
	finSeq    Seq

	// receive side
	rcvNxt    Seq
	rcvWnd    uint16 // true window: rcvBufCap less whatever of rcvBuf the app hasn't accepted yet
	rcvAnn    uint16 // window value last actually advertised to the peer
	rcvBufCap uint32 // capacity reserved for this connection's receive buffer
	rcvMss    uint16 // our own interface-derived MSS, used for the "window >= rcv_mss" reopening rule
	rcvBuf    []byte // in-order received data delivered via OnReceive but not yet accepted by ReceiveMore
	peerFin   bool
	ooseq     []oosegRange
	ooFin     bool
	ooFinSeq  Seq

	// retransmission / RTT
	rto        time.Duration
	srtt       int32 // scaled *8
	rttvar     int32 // scaled *4
	rttMeasuring bool
	rttSeq     Seq
	rttStart   sched.Time
	rtxTimer   *sched.Timer
	abortTimer *sched.Timer

	// congestion control
	cwnd      uint32
	ssthresh  uint32
	cwndAcked uint32
	numDupAck uint8
	recover   Seq
	inRecover bool

	iss Seq

	conn     *Connection
	listener *Listener

	selfIdx    int
	prev, next int
}
