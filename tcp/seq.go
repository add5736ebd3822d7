package tcp

// Seq is a TCP sequence number: a wrap-aware uint32, compared the same way
// spec.md §9 specifies for the scheduler's Time ("time_ge(a,b) = (a-b) mod
// 2^N < 2^{N-1}") — RFC 793 §3.3's SEG.SEQ arithmetic is the same modular
// construction applied to a 32-bit space instead of a tick counter.
type Seq uint32

// GE reports whether a is at or after b in sequence-space order.
func (a Seq) GE(b Seq) bool { return int32(a-b) >= 0 }

// GT reports whether a is strictly after b.
func (a Seq) GT(b Seq) bool { return int32(a-b) > 0 }

// LT is the strict complement of GE.
func (a Seq) LT(b Seq) bool { return !a.GE(b) }

// LE is the complement of GT.
func (a Seq) LE(b Seq) bool { return !a.GT(b) }

// Add returns a advanced by n bytes.
func (a Seq) Add(n int) Seq { return a + Seq(uint32(n)) }

// Sub returns the signed distance b..a, i.e. a-b taken as a wrap-aware
// difference; only meaningful when the two are known to be "close" (within
// 2^31) as RFC 793 assumes throughout.
func (a Seq) Sub(b Seq) int32 { return int32(a - b) }
