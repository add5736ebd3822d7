// Package sched is the timed-event scheduler of spec.md §4.1: a
// single-threaded cooperative event loop with monotonic-clock timers, a
// heap-ordered timer queue, and wake-on-I/O. It is the execution substrate
// every other package in this module runs on top of.
//
// Grounded on github.com/joeycumines/go-utilpkg/eventloop (Loop,
// timerHeap, FastState): we keep the min-heap timer queue built on
// container/heap, the queued/FIFO task model, and the atomic-CAS state
// machine, but drop the Promise/A+, microtask, and JS-compatibility layers
// entirely — nothing in this stack's ARP, IP, TCP, or motion consumers
// chains promises; every callback here runs synchronously from the loop,
// matching spec.md §5 ("Operations that need to wait register a completion
// callback... and return immediately. Callbacks execute inline from the
// event loop.").
package sched

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-aistack/aistack/corelog"
)

// Standard errors.
var (
	ErrLoopAlreadyRunning = errors.New("sched: loop is already running")
	ErrLoopNotRunning     = errors.New("sched: loop is not running")
	ErrReentrantRun       = errors.New("sched: cannot call Run from within the loop")
)

// Task is a queued or fast-path unit of work.
type Task func()

// timerEntry is one armed timer inside the heap.
type timerEntry struct {
	when Time
	gen  uint64
	t    *Timer
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return TimeLT(h[i].when, h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Timer is a re-armable timed event. The zero value is not usable; obtain
// one via Loop.NewTimer. A Timer may be re-armed from within its own
// callback (spec.md §4.1: "handlers may re-arm themselves or any timer"),
// which is why arming bumps a generation counter rather than mutating the
// heap in place — any stale heap entry from a superseded arm is discarded
// as a no-op when it is popped.
type Timer struct {
	loop *Loop
	fn   func(Time)
	gen  uint64
	live bool // true iff the current gen is armed and not yet fired/canceled
}

// Arm schedules the timer to fire no earlier than when, superseding any
// previous pending arm of the same Timer.
func (t *Timer) Arm(when Time) {
	t.loop.mu.Lock()
	t.gen++
	t.live = true
	gen := t.gen
	heap.Push(&t.loop.timers, &timerEntry{when: when, gen: gen, t: t})
	t.loop.mu.Unlock()
}

// Cancel disarms the timer. Safe to call even if it is not currently
// armed. Cancellation is always synchronous (spec.md §5).
func (t *Timer) Cancel() {
	t.loop.mu.Lock()
	t.live = false
	t.loop.mu.Unlock()
}

// Active reports whether the timer currently has a live, unfired arm.
func (t *Timer) Active() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	return t.live
}

// FastEvent is a lock-free boolean flag settable from any goroutine
// (standing in for an interrupt handler, spec.md §4.1/§5) and drained by
// the loop once per iteration, after timers and before queued I/O.
type FastEvent struct {
	loop    *Loop
	fn      func()
	pending atomic.Bool
}

// Raise marks the event pending. Safe to call concurrently and from
// outside the loop goroutine; it never blocks.
func (f *FastEvent) Raise() {
	f.pending.Store(true)
	f.loop.wake()
}

// Loop is the scheduler core. One Loop typically backs one Stack or one
// Printer (see root package), not a shared pool.
type Loop struct {
	log    *corelog.Logger
	clock  *clock
	state  *fastState
	poller fdPoller

	mu     sync.Mutex
	timers timerHeap

	queued      []Task
	queuedSpare []Task

	fastEvents []*FastEvent

	wakeCh chan struct{}
}

// New constructs a Loop. log may be nil, in which case diagnostics are
// discarded (corelog.Discard()).
func New(log *corelog.Logger) *Loop {
	if log == nil {
		log = corelog.Discard()
	}
	l := &Loop{
		log:    log,
		clock:  newClock(),
		state:  newFastState(),
		wakeCh: make(chan struct{}, 1),
	}
	l.poller = newFDPoller()
	return l
}

// Now returns the loop's current tick. It only advances while Run is
// executing a tick; it is safe to call from the loop goroutine at any
// point during a callback.
func (l *Loop) Now() Time { return l.clock.now() }

// NewTimer creates a Timer bound to this loop, initially disarmed. fn
// receives the tick at which it actually fired (which may be later than
// the requested time, if the loop was busy).
func (l *Loop) NewTimer(fn func(Time)) *Timer {
	return &Timer{loop: l, fn: fn}
}

// NewFastEvent creates a FastEvent bound to this loop.
func (l *Loop) NewFastEvent(fn func()) *FastEvent {
	ev := &FastEvent{loop: l, fn: fn}
	l.registerFastEvent(ev)
	return ev
}

// Queue enqueues fn to run on the next loop iteration, FIFO among other
// queued tasks (spec.md §4.1: "Queued events: fire at next loop turn;
// FIFO among ready events."). Safe to call from any goroutine.
func (l *Loop) Queue(fn Task) {
	l.mu.Lock()
	l.queued = append(l.queued, fn)
	l.mu.Unlock()
	l.wake()
}

// RegisterFD registers fd for readiness notification; callback runs on the
// loop goroutine when any of events becomes ready. This is the hook an
// Ethernet driver uses to signal frame arrival (spec.md §6).
func (l *Loop) RegisterFD(fd int, events IOEvents, callback func(IOEvents)) error {
	return l.poller.RegisterFD(fd, events, func(ev IOEvents) {
		l.Queue(func() { callback(ev) })
	})
}

// UnregisterFD removes a previously registered fd.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
	l.poller.Wake()
}

// Run drives the loop until ctx is done or Stop is called. It implements
// the per-iteration sequence of spec.md §4.1: advance now, promote due
// timers into a ready batch, run the ready batch, drain fast events,
// process one batch of I/O readiness, then block until there is more work
// to do.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateRunning {
			return ErrLoopAlreadyRunning
		}
	}
	defer l.state.Store(StateStopped)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.state.Load() == StateStopping {
			return nil
		}

		l.runTimers()
		l.runQueued()
		l.drainFastEvents()

		if l.state.Load() == StateStopping {
			return nil
		}

		timeout := l.calculateTimeout()
		l.pollOnce(timeout)
	}
}

// Stop requests the loop to return from Run at the start of its next
// iteration. Safe to call from any goroutine.
func (l *Loop) Stop() {
	l.state.TryTransition(StateRunning, StateStopping)
	l.state.TryTransition(StateAwake, StateStopped)
	l.wake()
}

func (l *Loop) runTimers() {
	now := l.clock.now()
	var ready []*timerEntry
	l.mu.Lock()
	for len(l.timers) > 0 && TimeGE(now, l.timers[0].when) {
		e := heap.Pop(&l.timers).(*timerEntry)
		if e.t.live && e.t.gen == e.gen {
			e.t.live = false
			ready = append(ready, e)
		}
	}
	l.mu.Unlock()
	for _, e := range ready {
		l.safeExecute(func() { e.t.fn(now) })
	}
}

func (l *Loop) runQueued() {
	l.mu.Lock()
	l.queued, l.queuedSpare = l.queuedSpare[:0], l.queued
	batch := l.queuedSpare
	l.mu.Unlock()
	for _, fn := range batch {
		l.safeExecute(fn)
	}
}

func (l *Loop) drainFastEvents() {
	l.mu.Lock()
	events := append([]*FastEvent(nil), l.fastEvents...)
	l.mu.Unlock()
	for _, ev := range events {
		if ev.pending.Swap(false) {
			l.safeExecute(ev.fn)
		}
	}
}

// registerFastEvent records ev so drainFastEvents will consider it. Called
// once by NewFastEvent's first Raise is unnecessary; events are tracked
// eagerly at creation so a Raise before the first Run tick is not lost.
func (l *Loop) registerFastEvent(ev *FastEvent) {
	l.mu.Lock()
	l.fastEvents = append(l.fastEvents, ev)
	l.mu.Unlock()
}

func (l *Loop) calculateTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queued) > 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return 50 // idle poll tick, bounds fast-event latency from other goroutines
	}
	now := l.clock.now()
	due := l.timers[0].when
	if TimeGE(now, due) {
		return 0
	}
	ms := int(due - now)
	if ms > 50 {
		ms = 50
	}
	return ms
}

func (l *Loop) pollOnce(timeoutMs int) {
	select {
	case <-l.wakeCh:
		return
	default:
	}
	l.poller.Poll(timeoutMs, l.wakeCh)
}

// safeExecute runs a callback with panic recovery so a bug in user code
// cannot take down the loop goroutine — the firmware-core equivalent of
// eventloop.Loop.safeExecute, adapted to log through corelog instead of
// the standard log package.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Err().Any("panic", r).Log("sched: recovered panic in callback")
		}
	}()
	fn()
}
