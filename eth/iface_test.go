package eth

import (
	"testing"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/sched"
	"github.com/stretchr/testify/require"
)

func TestIfaceSendIPv4AfterArpResolves(t *testing.T) {
	loop := sched.New(nil)
	drv := newFakeDriver(MacAddr{0x02, 0, 0, 0, 0, 0x09})
	iface := NewIface(loop, drv, testSubnet(), testConfig(), nil, nil)

	payload := buf.Single([]byte("datagram"))
	retried := 0
	err := iface.SendIPv4(Ip4Addr{192, 168, 0, 5}, payload, func() { retried++ })
	require.ErrorIs(t, err, ErrArpQuery)
	require.Len(t, drv.sent, 1, "only the arp request itself should have been sent so far")

	// inject the arp reply
	iface.Arp.HandleFrame((arpPacket{
		op:        arpOpReply,
		senderMAC: MacAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		senderIP:  Ip4Addr{192, 168, 0, 5},
		targetMAC: drv.MAC(),
		targetIP:  iface.Subnet.IP,
	}).encode())

	require.Len(t, drv.sent, 2, "arp request then the retried ipv4 frame")
	hdr, rest, err := ParseHeader(drv.sent[1])
	require.NoError(t, err)
	require.Equal(t, MacAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, hdr.Dst)
	require.Equal(t, EtherTypeIPv4, hdr.Type)
	require.Equal(t, []byte("datagram"), rest.Bytes())
	require.Equal(t, 1, retried, "caller retry notification must fire exactly once")
}

func TestIfaceRecvFrameDispatchesIPv4(t *testing.T) {
	loop := sched.New(nil)
	drv := newFakeDriver(MacAddr{0x02, 0, 0, 0, 0, 0x09})
	iface := NewIface(loop, drv, testSubnet(), testConfig(), nil, nil)

	hdr := BuildHeader(Header{Dst: drv.MAC(), Src: MacAddr{1, 2, 3, 4, 5, 6}, Type: EtherTypeIPv4})
	hdr.Next = &buf.Node{Data: []byte("hello ip")}
	frame := buf.New(hdr)

	var gotSrc MacAddr
	var gotPayload []byte
	iface.RecvFrame(frame, func(src MacAddr, payload buf.Chain) {
		gotSrc = src
		gotPayload = payload.Bytes()
	})

	require.Equal(t, MacAddr{1, 2, 3, 4, 5, 6}, gotSrc)
	require.Equal(t, []byte("hello ip"), gotPayload)
}

func TestIfaceRecvFrameDispatchesARP(t *testing.T) {
	loop := sched.New(nil)
	drv := newFakeDriver(MacAddr{0x02, 0, 0, 0, 0, 0x09})
	iface := NewIface(loop, drv, testSubnet(), testConfig(), nil, nil)

	req := arpPacket{
		op:        arpOpRequest,
		senderMAC: MacAddr{1, 2, 3, 4, 5, 6},
		senderIP:  Ip4Addr{192, 168, 0, 5},
		targetIP:  iface.Subnet.IP,
	}
	hdr := BuildHeader(Header{Dst: BroadcastMAC, Src: req.senderMAC, Type: EtherTypeARP})
	hdr.Next = &buf.Node{Data: req.encode()}
	frame := buf.New(hdr)

	iface.RecvFrame(frame, func(MacAddr, buf.Chain) {
		t.Fatal("should not dispatch to the ipv4 handler")
	})
	require.Len(t, drv.sent, 1, "should have replied to the arp request")
}
