// Package stepper implements the per-axis fixed-point step generator of
// spec.md §4.6: an interrupt-driven (here, sched.Timer-driven) consumer of
// a FIFO of precomputed per-phase commands, each expanded into individual
// step pulses by the discriminant/velocity-proxy recurrence.
//
// Grounded on original_source/aprinter/driver/AxisDriver.h: the same
// "decode a command into (notdecel, x, v0, discriminant), then on every
// timer fire advance the discriminant by a_mul, derive the velocity proxy
// q, divide the remaining position by q to get the next pulse's fractional
// time" shape, adapted from its compile-time FixedPoint<NumBits,...>
// template parameters to the fixedpoint package's explicit shift
// arguments.
package stepper

import (
	"time"

	"github.com/go-aistack/aistack/fixedpoint"
	"github.com/go-aistack/aistack/sched"
)

// Precision holds the build-time sizing table spec.md §4.6 calls for
// ("Precision parameters... are fixed at build time to fit the target's
// word width"), replacing the source's AxisDriverPrecisionParams template.
type Precision struct {
	DiscriminantPrec uint // discriminant fractional bits
	RelTExtraPrec    uint // extra fractional bits retained in t_frac
	AMulShift        uint // shift applied when decoding a command's a_mul
}

// DefaultPrecision keeps the discriminant at full step resolution
// (DiscriminantPrec 0): the motion planner already scales physical
// accelerations into Command.AMul via its own Precision.AMulShift, so
// no additional down-shift is needed here, and keeping pos/q in
// comparable magnitude preserves a constant-velocity command's uniform
// pulse spacing exactly (the discriminant and pos terms stay in the
// same scale the source's AxisDriverDuePrecisionParams profile would
// otherwise need a compensating t_mul constant to restore).
func DefaultPrecision() Precision {
	return Precision{DiscriminantPrec: 0, RelTExtraPrec: 8, AMulShift: 8}
}

// Command is one precomputed phase of motion for a single axis: x steps,
// taken over total time t (in sched ticks), under constant acceleration
// a (signed; zero means constant velocity). Commands are produced by the
// motion planner's forward pass and consumed FIFO by Generator.
type Command struct {
	Dir  bool // true = positive direction
	X    uint32
	T    uint32 // total phase time, ticks
	AMul int32  // encoded acceleration term (already shifted by AMulShift)
}

// Stepper is the hardware-facing capability a Generator drives: pulse
// output and direction selection. A real target implements this over GPIO;
// tests implement it over an in-memory pulse counter.
type Stepper interface {
	SetDir(positive bool)
	StepOn()
	StepOff()
}

// PrestepFunc is evaluated immediately before every StepOn call when
// enabled; returning true vetoes the step (spec.md §4.6's "optional
// per-axis prestep callback").
type PrestepFunc func() bool

// CommandDoneFunc is invoked when a command's steps are fully consumed,
// and must return the next Command to load plus whether one was
// available; returning ok=false stalls the axis at its current position
// until Push delivers a new command and the caller re-arms via Start.
type CommandDoneFunc func() (cmd Command, ok bool)

// Generator is the per-axis step pulse engine of spec.md §4.6, driven by
// one sched.Timer standing in for the source's hardware interrupt timer.
type Generator struct {
	loop  *sched.Loop
	hw    Stepper
	timer *sched.Timer
	prec  Precision

	onCommandDone CommandDoneFunc
	onPrestep     PrestepFunc

	running  bool
	aborted  bool
	abortDir bool
	abortX   uint32 // steps remaining in the command that was aborted

	cur      Command
	notend   bool
	notdecel bool
	x        uint32 // total steps in the current decel-phase command; unused during accel
	pos      uint32
	v0       uint64
	discrim  uint64
	time     sched.Time // accel: end-of-command time, fixed at load; decel: start-of-command time, advanced only on completion
}

// NewGenerator constructs a Generator bound to hw over loop, using prec's
// precision profile.
func NewGenerator(loop *sched.Loop, hw Stepper, prec Precision) *Generator {
	g := &Generator{loop: loop, hw: hw, prec: prec}
	g.timer = loop.NewTimer(g.onTimer)
	return g
}

// OnCommandDone registers the callback invoked when a loaded command is
// fully consumed and the next one must be supplied.
func (g *Generator) OnCommandDone(fn CommandDoneFunc) { g.onCommandDone = fn }

// SetPrestepCallbackEnabled installs (or disables, passing nil) the
// per-step veto hook; must not be called while Running.
func (g *Generator) SetPrestepCallbackEnabled(fn PrestepFunc) { g.onPrestep = fn }

// Running reports whether the generator currently has an active command
// stream.
func (g *Generator) Running() bool { return g.running }

// Start begins stepping at startTime with the given first command.
func (g *Generator) Start(startTime sched.Time, first Command) {
	g.running = true
	g.aborted = false
	g.time = startTime
	if g.loadCommand(first) {
		g.timer.Arm(g.time)
	} else {
		g.timer.Arm(startTime)
	}
}

// Stop halts the generator immediately, disarming its timer.
func (g *Generator) Stop() {
	g.timer.Cancel()
	g.running = false
}

// Aborted reports whether the axis is in the ABORTED state (a prestep
// callback vetoed a step).
func (g *Generator) Aborted() bool { return g.aborted }

// AbortedCmdSteps returns the direction and remaining step count of the
// command that was in progress when the axis aborted (spec.md §4.6's
// getAbortedCmdSteps), valid only while Aborted().
func (g *Generator) AbortedCmdSteps() (dir bool, steps uint32) {
	return g.abortDir, g.abortX
}

// Snapshot reports the direction and remaining step count of whatever
// command is currently loaded, using the same two-branch formula
// AbortedCmdSteps freezes at veto time — but callable at any moment,
// including from a different axis's veto handler that needs to know how
// far this axis got before being force-stopped.
func (g *Generator) Snapshot() (dir bool, stepsRemaining uint32) {
	if !g.notend {
		return g.cur.Dir, 0
	}
	if g.notdecel {
		return g.cur.Dir, g.pos + 1
	}
	return g.cur.Dir, (g.x - g.pos) + 1
}

// loadCommand decodes cmd into the generator's running state, mirroring
// AxisDriver::load_command: a zero-step command means "time passes, no
// pulses", handled by advancing g.time and reporting completion so the
// caller immediately re-arms for the next command instead of scheduling a
// pulse computation. For an accel command g.time is advanced immediately
// to the command's end (stepping then counts pos down to 0, computing
// each pulse's time backward from that end); for a decel command g.time
// stays at the command's start and only advances to its end once pos
// reaches x.
func (g *Generator) loadCommand(cmd Command) (completed bool) {
	g.cur = cmd
	g.hw.SetDir(cmd.Dir)
	g.notdecel = cmd.AMul >= 0
	x := cmd.X
	g.notend = x != 0
	if !g.notend {
		g.time = g.time.Add(time.Duration(cmd.T) * time.Millisecond)
		return true
	}

	a := int64(cmd.AMul)
	xs := int64(x) >> g.prec.DiscriminantPrec
	xMinusA := uint64(absInt64(xs - a))
	if g.notdecel {
		g.v0 = uint64(absInt64(xs + a))
		g.pos = x - 1
		g.time = g.time.Add(time.Duration(cmd.T) * time.Millisecond)
	} else {
		g.x = x
		g.v0 = xMinusA
		g.pos = 1
	}
	g.discrim = xMinusA * xMinusA
	return false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// onTimer is the Generator's sched.Timer callback, implementing
// AxisDriver::timer_handler: load the next command if the current one has
// ended, evaluate the prestep veto, pulse the step line, advance the
// discriminant recurrence, and arm the next pulse time.
func (g *Generator) onTimer(sched.Time) {
	if !g.running {
		return
	}

	if !g.notend {
		next, ok := g.onCommandDone()
		if !ok {
			g.running = false
			return
		}
		completed := g.loadCommand(next)
		if completed {
			g.timer.Arm(g.time)
			return
		}
	}

	if g.onPrestep != nil && g.onPrestep() {
		g.aborted = true
		g.abortDir = g.cur.Dir
		if g.notdecel {
			g.abortX = g.pos + 1
		} else {
			g.abortX = (g.x - g.pos) + 1
		}
		g.running = false
		return
	}

	g.hw.StepOn()

	discrim := int64(g.discrim) + int64(g.cur.AMul)
	if discrim < 0 {
		discrim = 0
	}
	g.discrim = uint64(discrim)

	q := (g.v0 + fixedpoint.SqrtU64(g.discrim)) >> 1
	var tFrac uint64
	if q != 0 {
		tFrac = fixedpoint.DivRoundU(uint64(g.pos)<<g.prec.RelTExtraPrec, q, 1<<32-1)
	}
	t := fixedpoint.MulShiftRoundU(uint64(g.cur.T), tFrac, g.prec.RelTExtraPrec)

	g.hw.StepOff()

	var next sched.Time
	if !g.notdecel {
		if g.pos == g.x {
			g.time = g.time.Add(time.Duration(g.cur.T) * time.Millisecond)
			g.notend = false
			next = g.time
		} else {
			g.pos++
			next = g.time.Add(time.Duration(t) * time.Millisecond)
		}
	} else {
		if g.pos == 0 {
			g.notend = false
		}
		g.pos--
		next = g.time.Add(-time.Duration(t) * time.Millisecond)
	}

	g.timer.Arm(next)
}
