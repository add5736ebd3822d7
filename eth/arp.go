package eth

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/corelog"
	"github.com/go-aistack/aistack/ratelimit"
	"github.com/go-aistack/aistack/sched"
)

// ArpState is the lifecycle state of one cache entry (spec.md §3/§4.2).
type ArpState uint8

const (
	ArpFree ArpState = iota
	ArpQuery
	ArpValid
	ArpRefreshing
)

func (s ArpState) String() string {
	switch s {
	case ArpFree:
		return "FREE"
	case ArpQuery:
		return "QUERY"
	case ArpValid:
		return "VALID"
	case ArpRefreshing:
		return "REFRESHING"
	default:
		return "UNKNOWN"
	}
}

// Errors returned by Resolve, matching the NO_HW_ROUTE / ARP_QUERY kinds
// of spec.md §7.
var (
	ErrNoHWRoute = errors.New("eth: no hardware route to destination")
	ErrArpQuery  = errors.New("eth: arp resolution pending, retry request queued")
)

const arpPacketLen = 28

const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = 0x0800
	arpHLen          = 6
	arpPLen          = 4
	arpOpRequest     = 1
	arpOpReply       = 2
)

type arpPacket struct {
	op        uint16
	senderMAC MacAddr
	senderIP  Ip4Addr
	targetMAC MacAddr
	targetIP  Ip4Addr
}

func parseArpPacket(data []byte) (arpPacket, bool) {
	if len(data) < arpPacketLen {
		return arpPacket{}, false
	}
	if binary.BigEndian.Uint16(data[0:2]) != arpHTypeEthernet ||
		binary.BigEndian.Uint16(data[2:4]) != arpPTypeIPv4 ||
		data[4] != arpHLen || data[5] != arpPLen {
		return arpPacket{}, false
	}
	var p arpPacket
	p.op = binary.BigEndian.Uint16(data[6:8])
	copy(p.senderMAC[:], data[8:14])
	copy(p.senderIP[:], data[14:18])
	copy(p.targetMAC[:], data[18:24])
	copy(p.targetIP[:], data[24:28])
	return p, true
}

func (p arpPacket) encode() []byte {
	out := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(out[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(out[2:4], arpPTypeIPv4)
	out[4] = arpHLen
	out[5] = arpPLen
	binary.BigEndian.PutUint16(out[6:8], p.op)
	copy(out[8:14], p.senderMAC[:])
	copy(out[14:18], p.senderIP[:])
	copy(out[18:24], p.targetMAC[:])
	copy(out[24:28], p.targetIP[:])
	return out
}

// Waiter is a send-retry request queued against an in-progress ARP
// resolution (spec.md §4.2 step 3). It is invoked at most once, when the
// entry resolves to VALID.
type Waiter func()

// Observer is notified of every learned or solicited address binding,
// excluding 0.0.0.0 and the broadcast address (spec.md §4.2, "Also notify
// ARP observers (e.g., DHCP)"). No observer is wired by this module; the
// hook exists for a future DHCP client to consume.
type Observer func(ip Ip4Addr, mac MacAddr)

// arpEntry is one slot of the fixed-size cache array. free/used-list
// membership is expressed with indices rather than pointers (REDESIGN
// FLAG: "intrusive doubly linked lists... as index-based data structures
// over fixed arrays").
type arpEntry struct {
	state        ArpState
	weak         bool
	ip           Ip4Addr
	mac          MacAddr
	attemptsLeft uint8
	totalAttmpts uint8
	timerActive  bool
	timerTime    sched.Time
	waiters      []Waiter

	prev, next int // used list (MRU at head, LRU at tail); -1 = none
	freeNext    int // free list singly-linked; -1 = none
}

// ArpConfig sizes an ArpCache (REDESIGN FLAG: "Template metaprogramming to
// bind services" → build-time configuration table).
type ArpConfig struct {
	NumEntries    int
	ProtectCount  int // ArpProtectCount
	QueryAttempts uint8
	BaseTimeout   time.Duration
}

// NonProtectCount is ArpNonProtectCount = NumEntries - ProtectCount.
func (c ArpConfig) NonProtectCount() int { return c.NumEntries - c.ProtectCount }

// DefaultArpConfig returns reasonable defaults for an embedded-scale cache.
func DefaultArpConfig() ArpConfig {
	return ArpConfig{
		NumEntries:    16,
		ProtectCount:  4,
		QueryAttempts: 3,
		BaseTimeout:   1 * time.Second,
	}
}

// ArpCache is the bounded, two-tier-eviction ARP cache of spec.md §4.2. It
// is not safe for concurrent use; all calls must come from the owning
// sched.Loop goroutine.
type ArpCache struct {
	cfg    ArpConfig
	log    *corelog.Logger
	diag   *ratelimit.Diagnostics
	loop   *sched.Loop
	driver Driver
	subnet Subnet

	entries  []arpEntry
	byIP     map[Ip4Addr]int
	freeHead int
	usedHead int
	usedTail int
	numHard  int
	numWeak  int

	timer *sched.Timer

	observers []Observer
}

// NewArpCache constructs a cache of cfg.NumEntries entries, all initially
// FREE (and therefore weak, per the invariant in spec.md §8).
func NewArpCache(loop *sched.Loop, driver Driver, subnet Subnet, cfg ArpConfig, log *corelog.Logger, diag *ratelimit.Diagnostics) *ArpCache {
	if log == nil {
		log = corelog.Discard()
	}
	c := &ArpCache{
		cfg:      cfg,
		log:      log,
		diag:     diag,
		loop:     loop,
		driver:   driver,
		subnet:   subnet,
		entries:  make([]arpEntry, cfg.NumEntries),
		byIP:     make(map[Ip4Addr]int, cfg.NumEntries),
		usedHead: -1,
		usedTail: -1,
	}
	for i := range c.entries {
		c.entries[i] = arpEntry{state: ArpFree, weak: true, prev: -1, next: -1, freeNext: i + 1}
	}
	if cfg.NumEntries > 0 {
		c.entries[cfg.NumEntries-1].freeNext = -1
	}
	c.freeHead = 0
	if cfg.NumEntries == 0 {
		c.freeHead = -1
	}
	c.timer = loop.NewTimer(c.onTimer)
	return c
}

// AddObserver registers a callback notified of every learned or solicited
// IPv4-to-MAC binding.
func (c *ArpCache) AddObserver(obs Observer) {
	c.observers = append(c.observers, obs)
}

func (c *ArpCache) notifyObservers(ip Ip4Addr, mac MacAddr) {
	if ip.IsZero() || ip.IsLimitedBroadcast() {
		return
	}
	for _, obs := range c.observers {
		obs(ip, mac)
	}
}

// --- used/free list management -------------------------------------------------

func (c *ArpCache) unlinkUsed(idx int) {
	e := &c.entries[idx]
	if e.prev >= 0 {
		c.entries[e.prev].next = e.next
	} else {
		c.usedHead = e.next
	}
	if e.next >= 0 {
		c.entries[e.next].prev = e.prev
	} else {
		c.usedTail = e.prev
	}
	e.prev, e.next = -1, -1
}

// pushUsedFront inserts idx at the head of the used (MRU) list.
func (c *ArpCache) pushUsedFront(idx int) {
	e := &c.entries[idx]
	e.prev = -1
	e.next = c.usedHead
	if c.usedHead >= 0 {
		c.entries[c.usedHead].prev = idx
	}
	c.usedHead = idx
	if c.usedTail < 0 {
		c.usedTail = idx
	}
}

func (c *ArpCache) touch(idx int) {
	if c.usedHead == idx {
		return
	}
	c.unlinkUsed(idx)
	c.pushUsedFront(idx)
}

func (c *ArpCache) popFree() (int, bool) {
	if c.freeHead < 0 {
		return -1, false
	}
	idx := c.freeHead
	c.freeHead = c.entries[idx].freeNext
	return idx, true
}

func (c *ArpCache) pushFree(idx int) {
	e := &c.entries[idx]
	*e = arpEntry{state: ArpFree, weak: true, prev: -1, next: -1, freeNext: c.freeHead}
	c.freeHead = idx
}

// evict drops idx's current binding (class accounting, byIP, used-list
// membership) without returning it to the free list, for immediate reuse
// by the caller.
func (c *ArpCache) evict(idx int) {
	e := &c.entries[idx]
	if e.weak {
		c.numWeak--
	} else {
		c.numHard--
	}
	delete(c.byIP, e.ip)
	c.unlinkUsed(idx)
}

// reclaim permanently frees idx's current binding and returns it to the
// free list. Waiters are dropped, never notified (ARP resolution failure
// is silent per spec.md §7: the caller simply never gets a retry).
func (c *ArpCache) reclaim(idx int) {
	c.evict(idx)
	c.pushFree(idx)
}

// findOldest scans the used list from its tail (the LRU end) for the
// first entry of the requested class.
func (c *ArpCache) findOldest(weak bool) (int, bool) {
	for idx := c.usedTail; idx >= 0; idx = c.entries[idx].prev {
		if c.entries[idx].weak == weak {
			return idx, true
		}
	}
	return -1, false
}

// allocate returns an entry to bind to ip for class `weak`, evicting per
// spec.md §4.2's two-tier policy if no FREE slot remains.
func (c *ArpCache) allocate(ip Ip4Addr, weak bool) int {
	if idx, ok := c.popFree(); ok {
		c.entries[idx].ip = ip
		c.entries[idx].weak = weak
		c.byIP[ip] = idx
		c.pushUsedFront(idx)
		if weak {
			c.numWeak++
		} else {
			c.numHard++
		}
		return idx
	}

	var victim int
	if weak {
		oldestHard, hasHard := c.findOldest(false)
		oldestWeak, hasWeak := c.findOldest(true)
		if (c.numHard > c.cfg.ProtectCount || !hasWeak) && hasHard {
			victim = oldestHard
		} else {
			victim = oldestWeak
		}
	} else {
		oldestWeak, hasWeak := c.findOldest(true)
		oldestHard, hasHard := c.findOldest(false)
		if (c.numWeak > c.cfg.NonProtectCount() || !hasHard) && hasWeak {
			victim = oldestWeak
		} else {
			victim = oldestHard
		}
	}
	c.evict(victim)
	idx := victim
	c.entries[idx].waiters = nil
	c.entries[idx].timerActive = false
	c.entries[idx].ip = ip
	c.entries[idx].weak = weak
	c.byIP[ip] = idx
	c.pushUsedFront(idx)
	if weak {
		c.numWeak++
	} else {
		c.numHard++
	}
	return idx
}

// getEntry implements spec.md §4.2's get_entry(ip, weak): find-or-allocate,
// reporting whether the entry was freshly allocated (was FREE).
func (c *ArpCache) getEntry(ip Ip4Addr, weak bool) (idx int, wasFree bool) {
	if existing, ok := c.byIP[ip]; ok {
		c.touch(existing)
		if !weak && c.entries[existing].weak {
			c.entries[existing].weak = false
			c.numWeak--
			c.numHard++
		}
		return existing, false
	}
	idx = c.allocate(ip, weak)
	return idx, true
}

// --- timer ---------------------------------------------------------------

// rearmTimer finds the minimum timerTime among active entries and arms
// the single shared timer to fire there, per spec.md §4.2's "single timer
// structure... ordered on (timer_active, timer_time)".
func (c *ArpCache) rearmTimer() {
	have := false
	var min sched.Time
	for i := range c.entries {
		if c.entries[i].timerActive {
			if !have || sched.TimeLT(c.entries[i].timerTime, min) {
				min = c.entries[i].timerTime
				have = true
			}
		}
	}
	if have {
		c.timer.Arm(min)
	} else {
		c.timer.Cancel()
	}
}

func (c *ArpCache) armEntryTimer(idx int, timeout time.Duration) {
	e := &c.entries[idx]
	e.timerActive = true
	e.timerTime = c.loop.Now().Add(timeout)
	c.rearmTimer()
}

func backoff(base time.Duration, total, remaining uint8) time.Duration {
	shift := total - remaining
	if shift > 8 {
		shift = 8 // saturate, avoid absurd sleeps on a misconfigured attempt count
	}
	return base << shift
}

func (c *ArpCache) onTimer(now sched.Time) {
	var due []int
	for i := range c.entries {
		if c.entries[i].timerActive && sched.TimeGE(now, c.entries[i].timerTime) {
			due = append(due, i)
		}
	}
	for _, idx := range due {
		c.dispatchTimeout(idx)
	}
	c.rearmTimer()
}

func (c *ArpCache) dispatchTimeout(idx int) {
	e := &c.entries[idx]
	switch e.state {
	case ArpQuery:
		e.attemptsLeft--
		if e.attemptsLeft == 0 {
			c.reclaim(idx)
			return
		}
		c.broadcastRequest(e.ip)
		c.armEntryTimer(idx, backoff(c.cfg.BaseTimeout, e.totalAttmpts, e.attemptsLeft))
	case ArpRefreshing:
		e.attemptsLeft--
		if e.attemptsLeft == 0 {
			e.state = ArpQuery
			e.attemptsLeft = c.cfg.QueryAttempts
			e.totalAttmpts = c.cfg.QueryAttempts
			c.broadcastRequest(e.ip)
			c.armEntryTimer(idx, c.cfg.BaseTimeout)
		} else {
			c.unicastRequest(e.ip, e.mac)
			c.armEntryTimer(idx, backoff(c.cfg.BaseTimeout, e.totalAttmpts, e.attemptsLeft))
		}
	case ArpValid:
		e.attemptsLeft = 0
		e.timerActive = false
	}
}

// --- resolution ------------------------------------------------------------

// Resolve implements the outbound resolution procedure of spec.md §4.2. On
// success it returns the destination MAC immediately. If resolution is
// pending, it returns ErrArpQuery and appends retry to the entry's waiter
// list; retry is invoked exactly once, when the address resolves.
func (c *ArpCache) Resolve(dst Ip4Addr, retry Waiter) (MacAddr, error) {
	if dst.IsLimitedBroadcast() {
		return BroadcastMAC, nil
	}
	if dst.IsZero() || !c.subnet.Contains(dst) {
		return MacAddr{}, ErrNoHWRoute
	}
	if dst == c.subnet.Broadcast() {
		return BroadcastMAC, nil
	}

	// Fast path: MRU head hit.
	if c.usedHead >= 0 {
		head := &c.entries[c.usedHead]
		if head.ip == dst && head.state != ArpFree {
			if !head.weak {
				// already hard
			} else {
				head.weak = false
				c.numWeak--
				c.numHard++
			}
			if head.state == ArpValid || head.state == ArpRefreshing {
				return head.mac, nil
			}
		}
	}

	idx, wasFree := c.getEntry(dst, false)
	e := &c.entries[idx]

	if wasFree {
		e.state = ArpQuery
		e.attemptsLeft = c.cfg.QueryAttempts
		e.totalAttmpts = c.cfg.QueryAttempts
		c.armEntryTimer(idx, c.cfg.BaseTimeout)
		c.broadcastRequest(dst)
		e.waiters = append(e.waiters, retry)
		return MacAddr{}, ErrArpQuery
	}

	switch e.state {
	case ArpValid:
		if e.attemptsLeft == 0 {
			e.state = ArpRefreshing
			e.attemptsLeft = c.cfg.QueryAttempts
			e.totalAttmpts = c.cfg.QueryAttempts
			c.armEntryTimer(idx, c.cfg.BaseTimeout)
			c.unicastRequest(dst, e.mac)
		}
		return e.mac, nil
	case ArpRefreshing:
		return e.mac, nil
	default: // QUERY still outstanding
		e.waiters = append(e.waiters, retry)
		return MacAddr{}, ErrArpQuery
	}
}

func (c *ArpCache) resolveSuccess(idx int) {
	e := &c.entries[idx]
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		if w != nil {
			w()
		}
	}
}

// --- learning / wire handling -----------------------------------------------

func (c *ArpCache) learn(ip Ip4Addr, mac MacAddr) {
	if ip.IsZero() || ip.IsLimitedBroadcast() || mac.IsBroadcast() {
		return
	}
	idx, _ := c.getEntry(ip, true)
	e := &c.entries[idx]
	e.mac = mac
	wasQuery := e.state == ArpQuery || e.state == ArpRefreshing
	e.state = ArpValid
	e.attemptsLeft = c.cfg.QueryAttempts
	e.timerActive = false
	c.notifyObservers(ip, mac)
	if wasQuery {
		c.resolveSuccess(idx)
	}
}

// HandleFrame processes a received ARP frame (spec.md §4.2 "Learning").
// payload is the 28-byte ARP packet following the Ethernet header.
func (c *ArpCache) HandleFrame(payload []byte) {
	p, ok := parseArpPacket(payload)
	if !ok {
		if c.diag.Allow("arp.malformed") {
			c.log.Warning().Log("eth: dropped malformed arp packet")
		}
		return
	}
	if !p.senderMAC.IsBroadcast() {
		c.learn(p.senderIP, p.senderMAC)
	}
	if p.op == arpOpRequest && p.targetIP == c.subnet.IP {
		c.reply(p)
	}
}

func (c *ArpCache) reply(req arpPacket) {
	resp := arpPacket{
		op:        arpOpReply,
		senderMAC: c.driver.MAC(),
		senderIP:  c.subnet.IP,
		targetMAC: req.senderMAC,
		targetIP:  req.senderIP,
	}
	c.sendArp(req.senderMAC, resp)
}

func (c *ArpCache) broadcastRequest(target Ip4Addr) {
	req := arpPacket{
		op:        arpOpRequest,
		senderMAC: c.driver.MAC(),
		senderIP:  c.subnet.IP,
		targetMAC: MacAddr{},
		targetIP:  target,
	}
	c.sendArp(BroadcastMAC, req)
}

func (c *ArpCache) unicastRequest(target Ip4Addr, mac MacAddr) {
	req := arpPacket{
		op:        arpOpRequest,
		senderMAC: c.driver.MAC(),
		senderIP:  c.subnet.IP,
		targetMAC: mac,
		targetIP:  target,
	}
	c.sendArp(mac, req)
}

func (c *ArpCache) sendArp(dstMAC MacAddr, p arpPacket) {
	hdr := BuildHeader(Header{Dst: dstMAC, Src: c.driver.MAC(), Type: EtherTypeARP})
	body := &buf.Node{Data: p.encode()}
	hdr.Next = body
	frame := buf.New(hdr)
	if err := c.driver.SendFrame(frame); err != nil {
		if c.diag.Allow("arp.send_error") {
			c.log.Warning().Str("error", err.Error()).Log("eth: failed to send arp packet")
		}
	}
}
