package ip

import (
	"time"

	"github.com/go-aistack/aistack/buf"
	"github.com/go-aistack/aistack/sched"
)

// reassemblyKey identifies one in-progress datagram reassembly, per
// spec.md §4.3 ("Keyed by (src, dst, proto, ident)").
type reassemblyKey struct {
	src, dst Addr
	proto    uint8
	ident    uint16
}

// holeRange is one still-missing byte range [first, last] (inclusive).
// last == openEnded means "unbounded", per the classic RFC 815 hole
// algorithm — resolved to a concrete value once a non-MF fragment fixes
// the datagram's total length.
type holeRange struct {
	first, last int
}

const openEnded = -1

type reassemblyEntry struct {
	key        reassemblyKey
	data       []byte
	holes      []holeRange
	totalLen   int // -1 until a fragment with MF=0 arrives
	expireAt   sched.Time
	prev, next *reassemblyEntry // LRU list
}

func (e *reassemblyEntry) ensureLen(n int) {
	if len(e.data) < n {
		grown := make([]byte, n)
		copy(grown, e.data)
		e.data = grown
	}
}

// addFragment merges one fragment's data into the entry and returns
// whether the datagram is now complete (no holes, total length known).
func (e *reassemblyEntry) addFragment(fragFirst int, fragData []byte, mf bool) bool {
	fragLast := fragFirst + len(fragData) - 1
	if !mf {
		e.totalLen = fragLast + 1
	}
	e.ensureLen(fragLast + 1)
	copy(e.data[fragFirst:fragLast+1], fragData)

	var newHoles []holeRange
	for _, h := range e.holes {
		hLast := h.last
		if hLast == openEnded {
			if e.totalLen >= 0 {
				hLast = e.totalLen - 1
			} else {
				hLast = fragLast
			}
		}
		if fragFirst > hLast || fragLast < h.first {
			newHoles = append(newHoles, h)
			continue
		}
		if fragFirst > h.first {
			newHoles = append(newHoles, holeRange{h.first, fragFirst - 1})
		}
		if h.last == openEnded {
			if mf {
				newHoles = append(newHoles, holeRange{fragLast + 1, openEnded})
			}
			// else: this fragment fixed the total length and covers the
			// rest of the open-ended hole; nothing remains there.
		} else if fragLast < h.last {
			newHoles = append(newHoles, holeRange{fragLast + 1, h.last})
		}
	}
	e.holes = newHoles
	return len(e.holes) == 0 && e.totalLen >= 0
}

// ReassemblyConfig sizes the reassembly cache (build-time configuration,
// REDESIGN FLAG: template parameters → configuration table).
type ReassemblyConfig struct {
	MaxEntries int
	Timeout    time.Duration
}

func defaultReassemblyConfig() ReassemblyConfig {
	return ReassemblyConfig{MaxEntries: 8, Timeout: 30 * time.Second}
}

// reassemblyCache holds in-progress datagram reassemblies, evicting the
// least-recently-touched entry under buffer pressure and expiring entries
// that stall (spec.md §4.3: "Drop on expiry ... or buffer pressure (LRU
// eviction)").
type reassemblyCache struct {
	loop  *sched.Loop
	cfg   ReassemblyConfig
	byKey map[reassemblyKey]*reassemblyEntry
	lruHead, lruTail *reassemblyEntry
	timer *sched.Timer
}

func newReassemblyCache(loop *sched.Loop, cfg ReassemblyConfig) *reassemblyCache {
	c := &reassemblyCache{
		loop:  loop,
		cfg:   cfg,
		byKey: make(map[reassemblyKey]*reassemblyEntry),
	}
	c.timer = loop.NewTimer(c.onTimer)
	return c
}

func (c *reassemblyCache) touch(e *reassemblyEntry) {
	c.unlink(e)
	e.prev = nil
	e.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = e
	}
	c.lruHead = e
	if c.lruTail == nil {
		c.lruTail = e
	}
}

func (c *reassemblyCache) unlink(e *reassemblyEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.lruHead == e {
		c.lruHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.lruTail == e {
		c.lruTail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *reassemblyCache) drop(e *reassemblyEntry) {
	c.unlink(e)
	delete(c.byKey, e.key)
}

func (c *reassemblyCache) rearmTimer() {
	if c.lruTail == nil {
		c.timer.Cancel()
		return
	}
	min := c.lruTail.expireAt
	for e := c.lruTail; e != nil; e = e.prev {
		if sched.TimeLT(e.expireAt, min) {
			min = e.expireAt
		}
	}
	c.timer.Arm(min)
}

func (c *reassemblyCache) onTimer(now sched.Time) {
	for e := c.lruTail; e != nil; {
		prev := e.prev
		if sched.TimeGE(now, e.expireAt) {
			c.drop(e)
		}
		e = prev
	}
	c.rearmTimer()
}

// addFragment merges one arriving fragment into the keyed reassembly,
// returning (reassembled payload, true) once the datagram is complete.
func (c *reassemblyCache) addFragment(hdr Header, fragPayload buf.Chain) (buf.Chain, bool) {
	key := reassemblyKey{src: hdr.Src, dst: hdr.Dst, proto: hdr.Protocol, ident: hdr.Ident}
	e, ok := c.byKey[key]
	if !ok {
		if len(c.byKey) >= c.cfg.MaxEntries && c.lruTail != nil {
			c.drop(c.lruTail)
		}
		e = &reassemblyEntry{key: key, holes: []holeRange{{0, openEnded}}, totalLen: -1}
		c.byKey[key] = e
	}
	c.touch(e)
	e.expireAt = c.loop.Now().Add(c.cfg.Timeout)
	c.rearmTimer()

	fragFirst := hdr.FragOffset * 8
	complete := e.addFragment(fragFirst, fragPayload.Bytes(), hdr.MF)
	if !complete {
		return buf.Chain{}, false
	}
	c.drop(e)
	c.rearmTimer()
	return buf.Single(e.data[:e.totalLen]), true
}
