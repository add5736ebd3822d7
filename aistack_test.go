package aistack

import (
	"encoding/binary"
	"testing"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/eth"
	"github.com/go-aistack/aistack/ip"
	"github.com/go-aistack/aistack/motion"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mac  eth.MacAddr
	mtu  int
	sent []buf.Chain
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

func buildICMPEchoRequest(ident, seq uint16, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	out[0] = 8 // echo request
	out[1] = 0
	binary.BigEndian.PutUint16(out[4:6], ident)
	binary.BigEndian.PutUint16(out[6:8], seq)
	copy(out[8:], payload)
	sum := buf.New(&buf.Node{Data: out}).ChecksumOnesComplement(0)
	binary.BigEndian.PutUint16(out[2:4], ^sum)
	return out
}

// buildARPRequestFrame hand-assembles a 28-byte Ethernet/IPv4 ARP request
// (spec.md §6: hw=1, proto=0x0800, hlen=6, plen=4, op=1) announcing
// senderIP/senderMAC and asking after targetIP, so a receiving stack learns
// the sender's binding the same way a real NIC would before exchanging any
// IP traffic with it.
func buildARPRequestFrame(senderMAC eth.MacAddr, senderIP ip.Addr, targetIP ip.Addr) buf.Chain {
	body := make([]byte, 28)
	binary.BigEndian.PutUint16(body[0:2], 1)      // htype: Ethernet
	binary.BigEndian.PutUint16(body[2:4], 0x0800) // ptype: IPv4
	body[4] = 6                                   // hlen
	body[5] = 4                                   // plen
	binary.BigEndian.PutUint16(body[6:8], 1)      // op: request
	copy(body[8:14], senderMAC[:])
	copy(body[14:18], senderIP[:])
	// targetMAC left zero; unknown by definition in a request
	copy(body[24:28], targetIP[:])

	ethHdr := eth.BuildHeader(eth.Header{Dst: eth.BroadcastMAC, Src: senderMAC, Type: eth.EtherTypeARP})
	ethHdr.Next = &buf.Node{Data: body}
	return buf.Chain{Head: ethHdr, Total: eth.HeaderLen + len(body)}
}

// buildEthernetIPv4ICMPFrame assembles a complete Ethernet II frame
// carrying an IPv4 ICMP echo request, mirroring spec.md §8 scenario 1's
// literal packet description.
func buildEthernetIPv4ICMPFrame(srcMAC eth.MacAddr, dstMAC eth.MacAddr, srcIP, dstIP ip.Addr, ident, seq uint16, payload []byte) buf.Chain {
	icmp := buildICMPEchoRequest(ident, seq, payload)
	ipHdr := ip.Build(ip.Header{
		TTL:      64,
		Protocol: ip.ProtoICMP,
		Src:      srcIP,
		Dst:      dstIP,
		Ident:    0x5555,
		TotalLen: ip.HeaderLen + len(icmp),
	})
	ethHdr := eth.BuildHeader(eth.Header{Dst: dstMAC, Src: srcMAC, Type: eth.EtherTypeIPv4})
	ipHdr.Next = &buf.Node{Data: icmp}
	ethHdr.Next = ipHdr
	return buf.Chain{Head: ethHdr, Total: eth.HeaderLen + ip.HeaderLen + len(icmp)}
}

// TestEchoPingEndToEnd drives spec.md §8 scenario 1 through the fully
// wired Stack: injecting the Ethernet frame via RecvFrame must produce
// exactly one emitted frame, an ICMP echo reply addressed back to the
// requester's MAC with the same ident/seq and payload.
func TestEchoPingEndToEnd(t *testing.T) {
	cfg := DefaultConfig()
	s, err := New(cfg, nil)
	require.NoError(t, err)

	drv := &fakeDriver{mac: eth.MacAddr{0x02, 0, 0, 0, 0, 0x02}, mtu: 1500}
	subnet := eth.Subnet{IP: eth.Ip4Addr{192, 168, 0, 2}, Netmask: eth.Ip4Addr{255, 255, 255, 0}}
	iface := s.AddInterface("eth0", drv, subnet, eth.Ip4Addr{192, 168, 0, 1})

	reqMAC := eth.MacAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	srcIP := ip.Addr{192, 168, 0, 5}
	dstIP := ip.Addr{192, 168, 0, 2}
	payload := []byte("abcdefgh")

	// Seed the ARP cache with the requester's binding first, the way a real
	// host announces or resolves itself before exchanging IP traffic
	// (spec.md §8 scenario 2); this also exercises the reply path, so drop
	// its outbound ARP reply before looking only at the ICMP exchange.
	s.RecvFrame(iface, buildARPRequestFrame(reqMAC, srcIP, dstIP))
	require.Len(t, drv.sent, 1, "the arp request should have drawn exactly one reply")
	drv.sent = nil

	frame := buildEthernetIPv4ICMPFrame(reqMAC, drv.mac, srcIP, dstIP, 0x1234, 0x0001, payload)
	s.RecvFrame(iface, frame)

	require.Len(t, drv.sent, 1)
	ethHdr, rest, err := eth.ParseHeader(drv.sent[0])
	require.NoError(t, err)
	require.Equal(t, reqMAC, ethHdr.Dst)

	ipHdr, icmpPayload, err := ip.ParseHeader(rest)
	require.NoError(t, err)
	require.Equal(t, uint8(ip.ProtoICMP), ipHdr.Protocol)
	require.Equal(t, srcIP, ipHdr.Dst)
	require.Equal(t, dstIP, ipHdr.Src)

	raw := icmpPayload.Bytes()
	require.Equal(t, uint8(0), raw[0]) // echo reply
	require.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(raw[4:6]))
	require.Equal(t, uint16(0x0001), binary.BigEndian.Uint16(raw[6:8]))
	require.Equal(t, payload, raw[8:])
}

// TestAxisCountMismatchRejected checks that New refuses a hardware slice
// whose length does not match the configured motion axis count.
func TestAxisCountMismatchRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Motion.Axes = []motion.AxisConfig{{StepsPerUnit: 80, MaxSpeed: 300, MaxAccel: 1500}}
	_, err := New(cfg, nil)
	require.ErrorIs(t, err, ErrAxisCountMismatch)
}
