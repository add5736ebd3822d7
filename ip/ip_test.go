package ip

import (
	"testing"
	"time"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/eth"
	"github.com/go-aistack/aistack/sched"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mac  eth.MacAddr
	mtu  int
	sent []buf.Chain
}

func newFakeDriver(mac eth.MacAddr, mtu int) *fakeDriver {
	return &fakeDriver{mac: mac, mtu: mtu}
}

func (d *fakeDriver) MAC() eth.MacAddr { return d.mac }
func (d *fakeDriver) MTU() int         { return d.mtu }
func (d *fakeDriver) State() eth.DriverState {
	return eth.DriverState{LinkUp: true}
}
func (d *fakeDriver) SendFrame(frame buf.Chain) error {
	d.sent = append(d.sent, frame)
	return nil
}

func testArpConfig() eth.ArpConfig {
	return eth.ArpConfig{NumEntries: 4, ProtectCount: 1, QueryAttempts: 3, BaseTimeout: 50 * time.Millisecond}
}

func newTestInterface(t *testing.T, loop *sched.Loop, name string, addr, mask eth.Ip4Addr, mtu int) (*Interface, *fakeDriver) {
	t.Helper()
	drv := newFakeDriver(eth.MacAddr{0x02, 0, 0, 0, 0, byte(len(name) + 1)}, mtu)
	ethIface := eth.NewIface(loop, drv, eth.Subnet{IP: addr, Netmask: mask}, testArpConfig(), nil, nil)
	return &Interface{Name: name, MTU: mtu, Eth: ethIface}, drv
}

func buildIcmpEchoRequest(ident, seq uint16, payload []byte) []byte {
	rest := [4]byte{byte(ident >> 8), byte(ident), byte(seq >> 8), byte(seq)}
	return buildICMP(icmpMessage{Type: icmpTypeEchoRequest, Code: 0, Rest: rest, Payload: payload}).Data
}

// injectEthernetFrame wraps ipPayload in an IP header and an Ethernet
// header, then runs it through eth.Iface.RecvFrame exactly as a driver
// would on an inbound frame, handing the still-untouched IP datagram up
// to stack.RecvFrame.
func injectEthernetFrame(t *testing.T, stack *Stack, iface *Interface, srcMAC eth.MacAddr, ipPayload []byte, srcIP, dstIP eth.Ip4Addr, proto uint8, ident uint16) {
	t.Helper()
	ipHdr := Header{TTL: 64, Protocol: proto, Src: srcIP, Dst: dstIP, Ident: ident, TotalLen: HeaderLen + len(ipPayload)}
	node := Build(ipHdr)
	node.Next = &buf.Node{Data: ipPayload}
	ipChain := buf.Chain{Head: node, Total: HeaderLen + len(ipPayload)}

	ethHdr := eth.BuildHeader(eth.Header{Dst: iface.Eth.Driver.MAC(), Src: srcMAC, Type: eth.EtherTypeIPv4})
	ethHdr.Next = ipChain.Head
	frame := buf.Chain{Head: ethHdr, Total: eth.HeaderLen + ipChain.Total}

	iface.Eth.RecvFrame(frame, func(src eth.MacAddr, payload buf.Chain) {
		stack.RecvFrame(iface, src, payload)
	})
}

func TestEchoPingEndToEnd(t *testing.T) {
	loop := sched.New(nil)
	stack := NewStack(loop, nil, nil)
	iface, drv := newTestInterface(t, loop, "eth0", eth.Ip4Addr{192, 168, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 1500)
	iface.Gateway = eth.Ip4Addr{192, 168, 0, 1}
	stack.AddInterface(iface)

	reqSrcMAC := eth.MacAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	payload := []byte("abcdefgh")
	icmpReq := buildIcmpEchoRequest(0x1234, 0x0001, payload)

	injectEthernetFrame(t, stack, iface, reqSrcMAC, icmpReq, eth.Ip4Addr{192, 168, 0, 5}, eth.Ip4Addr{192, 168, 0, 2}, ProtoICMP, 0x1234)

	require.Len(t, drv.sent, 1, "exactly one reply frame should have been emitted")
	ethHdr, ipRest, err := eth.ParseHeader(drv.sent[0])
	require.NoError(t, err)
	require.Equal(t, reqSrcMAC, ethHdr.Dst)
	require.Equal(t, eth.EtherTypeIPv4, ethHdr.Type)

	ipHdr, icmpRest, err := ParseHeader(ipRest)
	require.NoError(t, err)
	require.Equal(t, uint8(ProtoICMP), ipHdr.Protocol)
	require.Equal(t, eth.Ip4Addr{192, 168, 0, 2}, ipHdr.Src)
	require.Equal(t, eth.Ip4Addr{192, 168, 0, 5}, ipHdr.Dst)

	msg, err := parseICMP(icmpRest)
	require.NoError(t, err)
	require.Equal(t, uint8(icmpTypeEchoReply), msg.Type)
	require.Equal(t, [4]byte{0x12, 0x34, 0x00, 0x01}, msg.Rest)
	require.Equal(t, payload, msg.Payload)
}

func TestHeaderBuildParseRoundTrip(t *testing.T) {
	hdr := Header{TTL: 42, Protocol: ProtoTCP, Src: eth.Ip4Addr{10, 0, 0, 1}, Dst: eth.Ip4Addr{10, 0, 0, 2}, Ident: 7, TotalLen: HeaderLen + 5}
	node := Build(hdr)
	node.Next = &buf.Node{Data: []byte("hello")}
	chain := buf.Chain{Head: node, Total: HeaderLen + 5}

	parsed, rest, err := ParseHeader(chain)
	require.NoError(t, err)
	require.Equal(t, hdr.TTL, parsed.TTL)
	require.Equal(t, hdr.Protocol, parsed.Protocol)
	require.Equal(t, hdr.Src, parsed.Src)
	require.Equal(t, hdr.Dst, parsed.Dst)
	require.Equal(t, []byte("hello"), rest.Bytes())
}

func TestParseHeaderRejectsBadChecksum(t *testing.T) {
	hdr := Header{TTL: 1, Protocol: ProtoICMP, Src: eth.Ip4Addr{1, 2, 3, 4}, Dst: eth.Ip4Addr{5, 6, 7, 8}, TotalLen: HeaderLen}
	node := Build(hdr)
	node.Data[10] ^= 0xFF // corrupt a header byte after checksum computed
	chain := buf.New(node)

	_, _, err := ParseHeader(chain)
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestRouteForcedInterface(t *testing.T) {
	loop := sched.New(nil)
	stack := NewStack(loop, nil, nil)
	iface, _ := newTestInterface(t, loop, "eth0", eth.Ip4Addr{192, 168, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 1500)
	iface.Gateway = eth.Ip4Addr{192, 168, 0, 1}
	stack.AddInterface(iface)

	got, nextHop, err := stack.route(eth.Ip4Addr{8, 8, 8, 8}, iface)
	require.NoError(t, err)
	require.Same(t, iface, got)
	require.Equal(t, iface.Gateway, nextHop)
}

func TestRouteMostSpecificSubnetWins(t *testing.T) {
	loop := sched.New(nil)
	stack := NewStack(loop, nil, nil)
	wide, _ := newTestInterface(t, loop, "eth0", eth.Ip4Addr{10, 0, 0, 1}, eth.Ip4Addr{255, 0, 0, 0}, 1500)
	narrow, _ := newTestInterface(t, loop, "eth1", eth.Ip4Addr{10, 0, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 1500)
	stack.AddInterface(wide)
	stack.AddInterface(narrow)

	got, nextHop, err := stack.route(eth.Ip4Addr{10, 0, 0, 9}, nil)
	require.NoError(t, err)
	require.Same(t, narrow, got)
	require.Equal(t, eth.Ip4Addr{10, 0, 0, 9}, nextHop)
}

func TestRouteGatewayFallback(t *testing.T) {
	loop := sched.New(nil)
	stack := NewStack(loop, nil, nil)
	iface, _ := newTestInterface(t, loop, "eth0", eth.Ip4Addr{192, 168, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 1500)
	iface.Gateway = eth.Ip4Addr{192, 168, 0, 1}
	stack.AddInterface(iface)

	got, nextHop, err := stack.route(eth.Ip4Addr{8, 8, 8, 8}, nil)
	require.NoError(t, err)
	require.Same(t, iface, got)
	require.Equal(t, iface.Gateway, nextHop)
}

func TestRouteNoRoute(t *testing.T) {
	loop := sched.New(nil)
	stack := NewStack(loop, nil, nil)
	iface, _ := newTestInterface(t, loop, "eth0", eth.Ip4Addr{192, 168, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 1500)
	stack.AddInterface(iface)

	_, _, err := stack.route(eth.Ip4Addr{8, 8, 8, 8}, nil)
	require.ErrorIs(t, err, ErrNoIPRoute)
}

func TestFragmentationAndReassemblyRoundTrip(t *testing.T) {
	loop := sched.New(nil)

	received := make(chan []byte, 1)
	stack := NewStack(loop, nil, nil)
	stack.RegisterProtocol(250, func(hdr Header, payload buf.Chain, iface *Interface) {
		received <- payload.Bytes()
	})

	iface, _ := newTestInterface(t, loop, "eth0", eth.Ip4Addr{192, 168, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 100)
	iface.Gateway = eth.Ip4Addr{192, 168, 0, 1}
	stack.AddInterface(iface)

	msg := make([]byte, 500)
	for i := range msg {
		msg[i] = byte(i)
	}

	maxFragData := ((iface.MTU - HeaderLen) / 8) * 8
	ident := uint16(99)
	for off := 0; off < len(msg); off += maxFragData {
		n := maxFragData
		if off+n > len(msg) {
			n = len(msg) - off
		}
		mf := off+n < len(msg)
		hdr := Header{TTL: 64, Protocol: 250, Src: eth.Ip4Addr{192, 168, 0, 9}, Dst: eth.Ip4Addr{192, 168, 0, 2}, Ident: ident, MF: mf, FragOffset: off / 8, TotalLen: HeaderLen + n}
		node := Build(hdr)
		node.Next = &buf.Node{Data: msg[off : off+n]}
		chain := buf.Chain{Head: node, Total: HeaderLen + n}
		stack.RecvFrame(iface, eth.MacAddr{1, 2, 3, 4, 5, 6}, chain)
	}

	select {
	case got := <-received:
		require.Equal(t, msg, got)
	default:
		t.Fatal("datagram was never reassembled and dispatched")
	}
}

func TestRecvFrameRejectsSpoofedBroadcastSource(t *testing.T) {
	loop := sched.New(nil)
	stack := NewStack(loop, nil, nil)
	called := false
	stack.RegisterProtocol(250, func(Header, buf.Chain, *Interface) { called = true })
	iface, _ := newTestInterface(t, loop, "eth0", eth.Ip4Addr{192, 168, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 1500)
	stack.AddInterface(iface)

	hdr := Header{TTL: 64, Protocol: 250, Src: eth.BroadcastIp4, Dst: eth.Ip4Addr{192, 168, 0, 2}, TotalLen: HeaderLen}
	node := Build(hdr)
	stack.RecvFrame(iface, eth.MacAddr{1, 2, 3, 4, 5, 6}, buf.New(node))

	require.False(t, called, "datagram with broadcast source address must be dropped")
}

func TestRecvFrameDropsUnmatchedDestination(t *testing.T) {
	loop := sched.New(nil)
	stack := NewStack(loop, nil, nil)
	called := false
	stack.RegisterProtocol(250, func(Header, buf.Chain, *Interface) { called = true })
	iface, _ := newTestInterface(t, loop, "eth0", eth.Ip4Addr{192, 168, 0, 2}, eth.Ip4Addr{255, 255, 255, 0}, 1500)
	stack.AddInterface(iface)

	hdr := Header{TTL: 64, Protocol: 250, Src: eth.Ip4Addr{192, 168, 0, 9}, Dst: eth.Ip4Addr{192, 168, 0, 77}, TotalLen: HeaderLen}
	node := Build(hdr)
	stack.RecvFrame(iface, eth.MacAddr{1, 2, 3, 4, 5, 6}, buf.New(node))

	require.False(t, called, "datagram addressed to a foreign host must be dropped")
}
