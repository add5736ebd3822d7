// Package motion implements the multi-axis lookahead motion planner of
// spec.md §4.5: an application pushes SplitBuffer entries (motion
// commands or channel-event payloads) into a ring buffer; a backward
// pass over the unplanned tail derives each segment's feasible entry
// velocity from the one after it, and a forward pass turns that into a
// concrete trapezoid (accelerate / cruise / decelerate) whose per-axis
// step counts and durations become stepper.Command values fed to each
// axis's stepper.Generator.
//
// Grounded on original_source/aprinter/printer/MotionPlanner.h: the same
// ring-buffered segment queue with a committed prefix, a "staging"
// marker tracking which committed segment is currently driving the
// steppers, and BUFFERING/STEPPING/ABORTED states. The exact backward/
// forward pass algebra here is derived directly from spec.md §4.5's own
// stated formulas rather than ported line-for-line, since
// original_source/aprinter/LinearPlanner.h (the header MotionPlanner.h
// actually delegates the trapezoid math to) is not present in this
// repo's reference material.
package motion

import (
	"errors"
	"math"

	"github.com/go-aistack/aistack/corelog"
	"github.com/go-aistack/aistack/sched"
	"github.com/go-aistack/aistack/stepper"
)

// State is the planner's top-level run state (spec.md §4.5).
type State uint8

const (
	StateBuffering State = iota
	StateStepping
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "BUFFERING"
	case StateStepping:
		return "STEPPING"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Standard errors.
var (
	ErrBufferFull   = errors.New("motion: lookahead buffer is full")
	ErrZeroDistance = errors.New("motion: move has zero displacement on every axis")
	ErrAborted      = errors.New("motion: planner is in ABORTED state")
	ErrAxisCount    = errors.New("motion: move axis count does not match configured axis count")
)

// AxisConfig is one axis's physical limits and step scale, the
// spec.md §3 Data Model fields (StepsPerUnit, MaxSpeed, MaxAccel)
// that feed segment construction.
type AxisConfig struct {
	StepsPerUnit float64 // steps per physical unit (e.g. steps/mm)
	MaxSpeed     float64 // physical units/s
	MaxAccel     float64 // physical units/s^2

	// StepCounterRange bounds the largest step count a single stepper.Command
	// phase may carry before SplitBuffer splits the move into equal-length
	// sub-moves (spec.md §4.5's step-counter-range split rule). Zero means
	// unbounded.
	StepCounterRange uint32
}

// Config is the build-time sizing table for a Planner, spec.md §9's
// "fixed at build time" sizing discipline carried over from sched and
// stepper.
type Config struct {
	Axes []AxisConfig

	LookaheadBufferSize  int // total ring buffer capacity
	LookaheadCommitCount int // prefix length that becomes irrevocable once reached

	CorneringDistance float64 // spec.md §4.5 cornering-speed limit parameter

	// TicksPerSecond converts the planner's physical-time trapezoid math
	// into sched.Time / stepper.Command ticks; sched.Time already counts
	// milliseconds, so this is always 1000 unless overridden for tests.
	TicksPerSecond float64

	// Precision is shared by every axis's stepper.Generator; the planner
	// needs it too, to encode Command.AMul at the scale Generator.onTimer
	// expects. Zero value selects stepper.DefaultPrecision().
	Precision stepper.Precision
}

// DefaultTicksPerSecond matches sched.Time's 1-tick-per-millisecond scale.
const DefaultTicksPerSecond = 1000.0

// AxisMove is one axis's signed physical displacement within a MoveRequest.
type AxisMove struct {
	Distance float64 // signed, physical units; 0 means this axis does not move
}

// MoveRequest is the application-facing SplitBuffer payload for ordinary
// motion (spec.md §3's Motion segment, pre-split): a coordinated move of
// len(Config.Axes) axes, each by an independent signed distance.
type MoveRequest struct {
	Axes []AxisMove
}

// ChannelEvent is the other SplitBuffer payload kind (spec.md §4.5): a
// side-channel action (e.g. toggling an output) that rides along the
// segment queue without itself producing steps, executed when the
// segment ahead of it in the queue starts stepping.
type ChannelEvent struct {
	Run func()
}

// segment is one planned entry in the lookahead ring: either a motion
// segment (len(axes) > 0) or a channel event.
type segment struct {
	event *ChannelEvent

	dir      []bool
	xSteps   []uint32
	dirUnit  []float64 // signed unit-direction component per axis
	distance float64   // Euclidean path length across all axes

	maxV      float64 // lp_seg.max_v: this segment's own cruise-speed^2 ceiling
	maxStartV float64 // lp_seg.max_start_v: cornering-limited entry speed^2 ceiling
	aX        float64 // lp_seg.a_x: 2 * rel_max_accel * distance^2

	// backward pass result: feasible entry velocity^2 given what follows.
	vIn2 float64

	// forward pass result: the trapezoid actually committed to steppers.
	constStartFrac float64
	constEndFrac   float64
	constV2        float64
	planned        bool

	// seq identifies this segment once committed, tagging its queued
	// stepper.Command phases so the planner knows when every axis has
	// drained it and it can retire from the ring.
	seq uint64
}

func (s *segment) isEvent() bool { return s.event != nil }

// Planner is the lookahead motion planner of spec.md §4.5.
type Planner struct {
	loop *sched.Loop
	log  *corelog.Logger
	cfg  Config

	gens []*stepper.Generator

	ring       []segment // ring buffer of capacity cfg.LookaheadBufferSize
	head       int       // index of the oldest (not yet fully retired) segment
	count      int       // number of valid entries starting at head
	committed  int       // prefix length, within [0,count], that is irrevocable
	staging    int       // count of committed segments currently feeding the steppers

	lastDirUnit []float64 // previous pushed segment's direction, for cornering
	stagingV2   float64   // boundary velocity^2 carried across plan() calls

	axisQueue   [][]queuedCmd // per-axis FIFO of committed-but-unconsumed phases
	nextSeq     uint64
	pending     map[uint64]int   // segment seq -> axes with work still outstanding
	retireOrder []uint64         // FIFO of committed segment seqs awaiting retirement

	state State

	abortDir  []bool
	abortRem  []uint32

	onPull     func()
	onFinished func()
	onAborted  func()
}

// NewPlanner constructs a Planner driving one stepper.Generator per axis.
// len(gens) must equal len(cfg.Axes).
func NewPlanner(loop *sched.Loop, gens []*stepper.Generator, cfg Config, log *corelog.Logger) *Planner {
	if log == nil {
		log = corelog.Discard()
	}
	if cfg.TicksPerSecond == 0 {
		cfg.TicksPerSecond = DefaultTicksPerSecond
	}
	if cfg.Precision == (stepper.Precision{}) {
		cfg.Precision = stepper.DefaultPrecision()
	}
	p := &Planner{
		loop:      loop,
		log:       log,
		cfg:       cfg,
		gens:      gens,
		ring:      make([]segment, cfg.LookaheadBufferSize),
		axisQueue: make([][]queuedCmd, len(cfg.Axes)),
		pending:   make(map[uint64]int),
		abortDir:  make([]bool, len(cfg.Axes)),
		abortRem:  make([]uint32, len(cfg.Axes)),
		state:     StateBuffering,
	}
	for i, g := range gens {
		axis := i
		g.OnCommandDone(func() (stepper.Command, bool) { return p.nextCommand(axis) })
	}
	return p
}

// OnPull registers the callback invoked whenever the planner can accept
// another Push (spec.md §6's pull callback).
func (p *Planner) OnPull(fn func()) { p.onPull = fn }

// OnFinished registers the callback invoked when stepping drains back to
// BUFFERING with an empty queue (spec.md §6's emptyDone/finished signal).
func (p *Planner) OnFinished(fn func()) { p.onFinished = fn }

// OnAborted registers the callback invoked when a prestep veto moves the
// planner into ABORTED.
func (p *Planner) OnAborted(fn func()) { p.onAborted = fn }

// State reports the planner's current run state.
func (p *Planner) State() State { return p.state }

// full reports whether the ring has no free slot for another Push.
func (p *Planner) full() bool { return p.count == len(p.ring) }

func (p *Planner) slot(offset int) *segment {
	return &p.ring[(p.head+offset)%len(p.ring)]
}

// Push enqueues req as the next segment, builds its kinematic envelope,
// and triggers planning of any newly-eligible committed prefix. A move
// whose step count on any axis exceeds that axis's StepCounterRange is
// split into equal-length sub-moves first (spec.md §4.5), each occupying
// its own ring slot. Returns ErrBufferFull if the lookahead ring does not
// have room for every resulting slot; the caller is expected to wait for
// OnPull before retrying (nothing is appended on this error).
func (p *Planner) Push(req MoveRequest) error {
	if p.state == StateAborted {
		return ErrAborted
	}
	if len(req.Axes) != len(p.cfg.Axes) {
		return ErrAxisCount
	}

	parts := p.splitForStepCounterRange(req)
	if p.count+len(parts) > len(p.ring) {
		return ErrBufferFull
	}

	appended := false
	for _, part := range parts {
		seg, ok := p.buildSegment(part)
		if !ok {
			continue
		}
		p.append(seg)
		appended = true
	}
	if !appended {
		return ErrZeroDistance
	}
	p.plan()
	return nil
}

// splitForStepCounterRange divides req into n equal-distance sub-moves,
// where n is the smallest count making every axis's per-part step count
// fit within its configured StepCounterRange (zero means unbounded).
func (p *Planner) splitForStepCounterRange(req MoveRequest) []MoveRequest {
	n := 1
	for i, ac := range p.cfg.Axes {
		if ac.StepCounterRange == 0 {
			continue
		}
		steps := uint32(math.Round(math.Abs(req.Axes[i].Distance) * ac.StepsPerUnit))
		if steps == 0 {
			continue
		}
		need := int((steps + ac.StepCounterRange - 1) / ac.StepCounterRange)
		if need > n {
			n = need
		}
	}
	if n <= 1 {
		return []MoveRequest{req}
	}

	parts := make([]MoveRequest, n)
	for k := 0; k < n; k++ {
		axes := make([]AxisMove, len(req.Axes))
		for i, am := range req.Axes {
			axes[i] = AxisMove{Distance: am.Distance / float64(n)}
		}
		parts[k] = MoveRequest{Axes: axes}
	}
	return parts
}

// PushEvent enqueues a channel event between motion segments (spec.md
// §4.5's "channel-event payload").
func (p *Planner) PushEvent(ev ChannelEvent) error {
	if p.state == StateAborted {
		return ErrAborted
	}
	if p.full() {
		return ErrBufferFull
	}
	p.append(segment{event: &ev})
	p.plan()
	return nil
}

// Flush forces planning of whatever is currently buffered, committing as
// much of the tail as the backward/forward pass allows even though the
// ring is not full — spec.md §4.5's explicit-wait transition out of
// BUFFERING.
func (p *Planner) Flush() {
	p.planWith(true)
}

func (p *Planner) append(seg segment) {
	*p.slot(p.count) = seg
	p.count++
}

// ContinueAfterAborted clears ABORTED and resumes BUFFERING, discarding
// whatever was left in the ring (spec.md §6's continueAfterAborted: the
// application is responsible for re-homing and re-issuing any motion
// that was in flight).
func (p *Planner) ContinueAfterAborted() {
	if p.state != StateAborted {
		return
	}
	p.head, p.count, p.committed, p.staging = 0, 0, 0, 0
	p.lastDirUnit = nil
	p.stagingV2 = 0
	for i := range p.axisQueue {
		p.axisQueue[i] = nil
	}
	p.pending = make(map[uint64]int)
	p.retireOrder = nil
	p.state = StateBuffering
	if p.onPull != nil {
		p.onPull()
	}
}

// CountAbortedRemSteps returns the direction and remaining step count of
// axis's in-flight command at the moment of the abort (spec.md §6,
// mirroring stepper.Generator.AbortedCmdSteps per axis).
func (p *Planner) CountAbortedRemSteps(axis int) (dir bool, steps uint32) {
	return p.abortDir[axis], p.abortRem[axis]
}

// WaitFinished reports whether the planner has returned to BUFFERING
// with no committed work left driving the steppers.
func (p *Planner) WaitFinished() bool {
	return p.state == StateBuffering && p.committed == 0 && p.count == 0
}

func distanceFactor(ac AxisConfig) float64 {
	if ac.StepsPerUnit == 0 {
		return 0
	}
	return 1 / ac.StepsPerUnit
}

// buildSegment computes a motion segment's kinematic envelope from a
// MoveRequest: step counts, Euclidean distance, the cruise-speed and
// acceleration terms of spec.md §4.5's lp_seg formulas, and (relative to
// the previously-pushed segment's direction) the cornering-limited entry
// speed. ok is false for a degenerate zero-displacement request.
func (p *Planner) buildSegment(req MoveRequest) (seg segment, ok bool) {
	n := len(p.cfg.Axes)
	seg.dir = make([]bool, n)
	seg.xSteps = make([]uint32, n)
	seg.dirUnit = make([]float64, n)

	var distSq float64
	signedDist := make([]float64, n)
	for i, ac := range p.cfg.Axes {
		d := req.Axes[i].Distance
		seg.dir[i] = d >= 0
		steps := math.Round(math.Abs(d) * ac.StepsPerUnit)
		seg.xSteps[i] = uint32(steps)
		axisDist := steps * distanceFactor(ac)
		if !seg.dir[i] {
			axisDist = -axisDist
		}
		signedDist[i] = axisDist
		distSq += axisDist * axisDist
	}
	if distSq == 0 {
		return segment{}, false
	}
	seg.distance = math.Sqrt(distSq)
	for i := range p.cfg.Axes {
		seg.dirUnit[i] = signedDist[i] / seg.distance
	}

	var relMaxSpeedRec, relMaxAccelRec float64
	for i, ac := range p.cfg.Axes {
		axisDist := math.Abs(signedDist[i])
		if axisDist == 0 {
			continue
		}
		if v := axisDist / ac.MaxSpeed; v > relMaxSpeedRec {
			relMaxSpeedRec = v
		}
		if v := axisDist / ac.MaxAccel; v > relMaxAccelRec {
			relMaxAccelRec = v
		}
	}
	relMaxAccel := 0.0
	if relMaxAccelRec != 0 {
		relMaxAccel = 1 / relMaxAccelRec
	}

	seg.maxV = seg.distance * seg.distance / (relMaxSpeedRec * relMaxSpeedRec)
	seg.aX = 2 * relMaxAccel * seg.distance * seg.distance

	seg.maxStartV = seg.maxV
	if p.lastDirUnit != nil {
		for i, ac := range p.cfg.Axes {
			delta := math.Abs(seg.dirUnit[i] - p.lastDirUnit[i])
			if delta < 1e-12 {
				continue
			}
			limit := p.cfg.CorneringDistance * ac.MaxAccel / delta
			if limit < seg.maxStartV {
				seg.maxStartV = limit
			}
		}
	}

	p.lastDirUnit = seg.dirUnit
	return seg, true
}
