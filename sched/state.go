package sched

import "sync/atomic"

// LoopState is the scheduler's run state, grounded on eventloop.LoopState
// (joeycumines-go-utilpkg/eventloop/state.go) but trimmed to the states
// spec.md §4.1 actually needs: a cooperative loop has no separate
// "sleeping" state worth exposing to callers, since blocking-for-the-next-
// timer-or-FD-event is an implementation detail of Run, not an observable
// state transition handlers need to react to.
type LoopState uint32

const (
	// StateAwake: constructed, not yet running.
	StateAwake LoopState = iota
	// StateRunning: Run is actively dispatching events.
	StateRunning
	// StateStopping: Stop has been requested; Run is unwinding.
	StateStopping
	// StateStopped: Run has returned.
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free CAS state machine, same shape as
// eventloop.FastState, sized down (no cache-line padding — this stack has
// one loop per stack, not a pool of loops under contention).
type fastState struct {
	v atomic.Uint32
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(StateAwake))
	return s
}

func (s *fastState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *fastState) Store(state LoopState) { s.v.Store(uint32(state)) }

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
