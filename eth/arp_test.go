package eth

import (
	"testing"
	"time"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/sched"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mac   MacAddr
	mtu   int
	sent  []buf.Chain
	state DriverState
}

func newFakeDriver(mac MacAddr) *fakeDriver {
	return &fakeDriver{mac: mac, mtu: 1500, state: DriverState{LinkUp: true}}
}

func (d *fakeDriver) MAC() MacAddr                  { return d.mac }
func (d *fakeDriver) MTU() int                      { return d.mtu }
func (d *fakeDriver) State() DriverState            { return d.state }
func (d *fakeDriver) SendFrame(frame buf.Chain) error {
	d.sent = append(d.sent, frame)
	return nil
}

func (d *fakeDriver) lastArp() (Header, arpPacket, bool) {
	if len(d.sent) == 0 {
		return Header{}, arpPacket{}, false
	}
	frame := d.sent[len(d.sent)-1]
	hdr, rest, err := ParseHeader(frame)
	if err != nil {
		return Header{}, arpPacket{}, false
	}
	p, ok := parseArpPacket(rest.Bytes())
	return hdr, p, ok
}

func testSubnet() Subnet {
	return Subnet{IP: Ip4Addr{192, 168, 0, 2}, Netmask: Ip4Addr{255, 255, 255, 0}}
}

func testConfig() ArpConfig {
	return ArpConfig{NumEntries: 4, ProtectCount: 1, QueryAttempts: 3, BaseTimeout: 50 * time.Millisecond}
}

func newTestCache(t *testing.T) (*ArpCache, *fakeDriver, *sched.Loop) {
	t.Helper()
	loop := sched.New(nil)
	drv := newFakeDriver(MacAddr{0x02, 0, 0, 0, 0, 0x01})
	cache := NewArpCache(loop, drv, testSubnet(), testConfig(), nil, nil)
	return cache, drv, loop
}

func TestResolveBroadcastAndSpecialCases(t *testing.T) {
	cache, _, _ := newTestCache(t)

	mac, err := cache.Resolve(BroadcastIp4, nil)
	require.NoError(t, err)
	require.Equal(t, BroadcastMAC, mac)

	mac, err = cache.Resolve(cache.subnet.Broadcast(), nil)
	require.NoError(t, err)
	require.Equal(t, BroadcastMAC, mac)

	_, err = cache.Resolve(Ip4Addr{}, nil)
	require.ErrorIs(t, err, ErrNoHWRoute)

	_, err = cache.Resolve(Ip4Addr{10, 0, 0, 1}, nil)
	require.ErrorIs(t, err, ErrNoHWRoute)
}

func TestResolveQueuesQueryAndBroadcastsRequest(t *testing.T) {
	cache, drv, _ := newTestCache(t)

	retried := 0
	_, err := cache.Resolve(Ip4Addr{192, 168, 0, 5}, func() { retried++ })
	require.ErrorIs(t, err, ErrArpQuery)

	hdr, pkt, ok := drv.lastArp()
	require.True(t, ok)
	require.Equal(t, BroadcastMAC, hdr.Dst)
	require.Equal(t, EtherTypeARP, hdr.Type)
	require.Equal(t, uint16(arpOpRequest), pkt.op)
	require.Equal(t, Ip4Addr{192, 168, 0, 5}, pkt.targetIP)

	idx, ok := cache.byIP[Ip4Addr{192, 168, 0, 5}]
	require.True(t, ok)
	require.Equal(t, ArpQuery, cache.entries[idx].state)
	require.False(t, cache.entries[idx].weak)
	require.Equal(t, 0, retried)
}

func TestArpResolutionEndToEnd(t *testing.T) {
	// spec.md §8 scenario 2: resolve, inject reply, retry invoked once.
	cache, _, _ := newTestCache(t)

	retried := 0
	_, err := cache.Resolve(Ip4Addr{192, 168, 0, 5}, func() { retried++ })
	require.ErrorIs(t, err, ErrArpQuery)

	reply := arpPacket{
		op:        arpOpReply,
		senderMAC: MacAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		senderIP:  Ip4Addr{192, 168, 0, 5},
		targetMAC: cache.driver.MAC(),
		targetIP:  cache.subnet.IP,
	}
	cache.HandleFrame(reply.encode())
	require.Equal(t, 1, retried)

	mac, err := cache.Resolve(Ip4Addr{192, 168, 0, 5}, nil)
	require.NoError(t, err)
	require.Equal(t, MacAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, mac)

	cache.HandleFrame(reply.encode())
	require.Equal(t, 1, retried, "retry must fire exactly once")
}

func TestLearningUpsertsWeakEntry(t *testing.T) {
	cache, _, _ := newTestCache(t)

	req := arpPacket{
		op:        arpOpRequest,
		senderMAC: MacAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01},
		senderIP:  Ip4Addr{192, 168, 0, 9},
		targetMAC: MacAddr{},
		targetIP:  Ip4Addr{192, 168, 0, 200}, // not us: no reply expected
	}
	cache.HandleFrame(req.encode())

	idx, ok := cache.byIP[Ip4Addr{192, 168, 0, 9}]
	require.True(t, ok)
	require.Equal(t, ArpValid, cache.entries[idx].state)
	require.True(t, cache.entries[idx].weak)
	require.Equal(t, 1, cache.numWeak)
}

func TestRequestForOurAddressElicitsReply(t *testing.T) {
	cache, drv, _ := newTestCache(t)

	req := arpPacket{
		op:        arpOpRequest,
		senderMAC: MacAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01},
		senderIP:  Ip4Addr{192, 168, 0, 5},
		targetMAC: MacAddr{},
		targetIP:  cache.subnet.IP,
	}
	cache.HandleFrame(req.encode())

	hdr, pkt, ok := drv.lastArp()
	require.True(t, ok)
	require.Equal(t, req.senderMAC, hdr.Dst)
	require.Equal(t, uint16(arpOpReply), pkt.op)
	require.Equal(t, cache.subnet.IP, pkt.senderIP)
	require.Equal(t, req.senderIP, pkt.targetIP)
	require.Equal(t, req.senderMAC, pkt.targetMAC)
}

func TestFreeEntryInvariants(t *testing.T) {
	cache, _, _ := newTestCache(t)
	for i, e := range cache.entries {
		require.Equal(t, ArpFree, e.state, "entry %d", i)
		require.True(t, e.weak, "FREE entry %d must be weak", i)
		require.False(t, e.timerActive, "FREE entry %d must have no active timer", i)
	}
	// every free index must be reachable from freeHead exactly once
	seen := make(map[int]bool)
	for idx := cache.freeHead; idx >= 0; idx = cache.entries[idx].freeNext {
		require.False(t, seen[idx], "cycle in free list")
		seen[idx] = true
	}
	require.Equal(t, len(cache.entries), len(seen))
}

func TestHardEvictionProtectsBelowProtectCount(t *testing.T) {
	cache, _, _ := newTestCache(t)
	// ProtectCount=1, NumEntries=4 -> NonProtectCount=3.
	// Fill all 4 entries as hard via Resolve (QUERY state, class=hard).
	for i := 0; i < 4; i++ {
		ip := Ip4Addr{192, 168, 0, byte(10 + i)}
		_, err := cache.Resolve(ip, nil)
		require.ErrorIs(t, err, ErrArpQuery)
	}
	require.Equal(t, 4, cache.numHard)
	require.Equal(t, 0, cache.numWeak)

	// A 5th hard resolution must evict the oldest hard entry (LRU tail),
	// since there is no weak candidate at all.
	_, err := cache.Resolve(Ip4Addr{192, 168, 0, 99}, nil)
	require.ErrorIs(t, err, ErrArpQuery)
	_, stillThere := cache.byIP[Ip4Addr{192, 168, 0, 10}]
	require.False(t, stillThere, "oldest hard entry should have been evicted")
}

func TestMalformedArpPacketDropped(t *testing.T) {
	cache, drv, _ := newTestCache(t)
	cache.HandleFrame([]byte{0x01, 0x02, 0x03})
	require.Empty(t, drv.sent)
}

func TestSubnetHelpers(t *testing.T) {
	s := Subnet{IP: Ip4Addr{192, 168, 0, 2}, Netmask: Ip4Addr{255, 255, 255, 0}}
	require.Equal(t, Ip4Addr{192, 168, 0, 255}, s.Broadcast())
	require.Equal(t, Ip4Addr{192, 168, 0, 0}, s.Network())
	require.True(t, s.Contains(Ip4Addr{192, 168, 0, 254}))
	require.False(t, s.Contains(Ip4Addr{192, 168, 1, 1}))
	require.Equal(t, 24, s.PrefixLen())
}
