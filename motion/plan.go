package motion

import (
	"math"

	"github.com/go-aistack/aistack/stepper"
)

// queuedCmd tags a per-axis stepper.Command with the segment sequence
// number it came from, so the planner can tell when every axis has
// drained a committed segment's phases and retire it from the ring.
type queuedCmd struct {
	cmd stepper.Command
	seq uint64
}

// plan runs the backward pass (feasible entry velocity, last segment to
// first) and forward pass (actual trapezoid, staging velocity forward)
// over whatever suffix of the ring is eligible to commit, per spec.md
// §4.5: forceAll commits everything buffered regardless of
// LookaheadCommitCount (Flush's "explicit wait" path); otherwise only a
// full LookaheadCommitCount-sized batch commits, keeping the rest open
// for re-planning as later pushes refine the lookahead.
func (p *Planner) plan() {
	p.planWith(false)
}

func (p *Planner) planWith(forceAll bool) {
	if p.state == StateAborted {
		return
	}

	uncommitted := p.count - p.committed
	if uncommitted <= 0 {
		p.maybeNotifyPull()
		return
	}

	// Backward pass over the whole uncommitted tail: final velocity at the
	// tail's end is unknown (more pushes may follow), so it starts at 0,
	// matching spec.md §8 scenario 5's worked example.
	vOut2 := 0.0
	for i := p.count - 1; i >= p.committed; i-- {
		seg := p.slot(i)
		if seg.isEvent() {
			seg.vIn2 = vOut2
			continue
		}
		seg.vIn2 = math.Min(seg.maxStartV, vOut2+seg.aX)
		vOut2 = seg.vIn2
	}

	toCommit := 0
	switch {
	case forceAll:
		toCommit = uncommitted
	case uncommitted >= p.cfg.LookaheadCommitCount:
		toCommit = p.cfg.LookaheadCommitCount
	}
	if toCommit == 0 {
		p.maybeNotifyPull()
		return
	}

	vEntry2 := p.stagingV2
	for i := p.committed; i < p.committed+toCommit; i++ {
		seg := p.slot(i)
		seg.seq = p.nextSeq
		p.nextSeq++

		if seg.isEvent() {
			p.pending[seg.seq] = 0
			p.retireOrder = append(p.retireOrder, seg.seq)
			continue
		}

		var vExit2 float64
		if i+1 < p.count {
			vExit2 = math.Min(p.slot(i+1).vIn2, seg.maxV)
		}
		vStart2 := math.Min(vEntry2, math.Min(seg.maxStartV, seg.maxV))

		peakV2 := (vStart2 + vExit2 + seg.aX) / 2
		if peakV2 > seg.maxV {
			peakV2 = seg.maxV
		}
		if peakV2 < vStart2 {
			peakV2 = vStart2
		}
		if peakV2 < vExit2 {
			peakV2 = vExit2
		}

		var dAcc, dDec float64
		if seg.aX > 0 {
			dAcc = (peakV2 - vStart2) * seg.distance / seg.aX
			dDec = (peakV2 - vExit2) * seg.distance / seg.aX
		}
		if dAcc < 0 {
			dAcc = 0
		}
		if dDec < 0 {
			dDec = 0
		}
		if dAcc+dDec > seg.distance {
			scale := seg.distance / (dAcc + dDec)
			dAcc *= scale
			dDec *= scale
		}
		dCruise := seg.distance - dAcc - dDec

		seg.constStartFrac = dAcc / seg.distance
		seg.constEndFrac = dDec / seg.distance
		seg.constV2 = peakV2
		seg.planned = true

		p.pending[seg.seq] = p.emitCommands(seg, vStart2, peakV2, vExit2, dAcc, dCruise, dDec)
		p.retireOrder = append(p.retireOrder, seg.seq)

		vEntry2 = vExit2
	}
	p.stagingV2 = vEntry2
	p.committed += toCommit
	p.staging += toCommit

	if p.state == StateBuffering {
		p.startStepping()
	}
	p.tryRetireFront()
	p.maybeNotifyPull()
}

func (p *Planner) maybeNotifyPull() {
	if p.onPull != nil && !p.full() && p.state != StateAborted {
		p.onPull()
	}
}

// phaseTimes derives the three trapezoid phases' wall-clock durations
// (seconds) from the physical distance each covers and the velocities
// bounding it, using the constant-acceleration mean-velocity relation
// t = 2d/(v0+v1).
func phaseTimes(vStart2, peakV2, vExit2, dAcc, dCruise, dDec float64) (tAcc, tCruise, tDec float64) {
	if dAcc > 0 {
		if s := math.Sqrt(vStart2) + math.Sqrt(peakV2); s > 0 {
			tAcc = 2 * dAcc / s
		}
	}
	if dDec > 0 {
		if s := math.Sqrt(peakV2) + math.Sqrt(vExit2); s > 0 {
			tDec = 2 * dDec / s
		}
	}
	if dCruise > 0 {
		if v := math.Sqrt(peakV2); v > 0 {
			tCruise = dCruise / v
		}
	}
	return
}

// axisStepsPerTick converts a path velocity-squared value into this
// axis's own step rate, in steps per sched tick, using its unit-direction
// component of the segment and its step scale.
func (p *Planner) axisStepsPerTick(seg *segment, axis int, v2 float64) float64 {
	if v2 <= 0 {
		return 0
	}
	axisVel := math.Abs(seg.dirUnit[axis]) * math.Sqrt(v2)
	return axisVel * p.cfg.Axes[axis].StepsPerUnit / p.cfg.TicksPerSecond
}

// encodeAMul derives a stepper.Command's encoded acceleration term from a
// phase's boundary step rates, matching the scale Generator.onTimer
// expects (Precision.AMulShift). See DESIGN.md for why this is a direct
// derivation rather than a port of AxisDriver.h's (unavailable in this
// repo's reference material) AMUL_EXPR macro.
func encodeAMul(v0StepsPerTick, v1StepsPerTick float64, steps uint32, shift uint) int32 {
	if steps == 0 {
		return 0
	}
	delta := (v1StepsPerTick - v0StepsPerTick) * float64(uint64(1)<<shift) / float64(steps)
	return int32(math.Round(delta))
}

// emitCommands turns one planned segment's trapezoid into up to three
// stepper.Command phases per axis, omitting zero-step phases and folding
// their time into the adjacent phase (spec.md §4.5), and returns the
// number of axes that received at least one command (the retirement
// countdown for this segment).
func (p *Planner) emitCommands(seg *segment, vStart2, peakV2, vExit2, dAcc, dCruise, dDec float64) int {
	tAcc, tCruise, tDec := phaseTimes(vStart2, peakV2, vExit2, dAcc, dCruise, dDec)
	accelTicks := uint32(math.Round(tAcc * p.cfg.TicksPerSecond))
	cruiseTicks := uint32(math.Round(tCruise * p.cfg.TicksPerSecond))
	decelTicks := uint32(math.Round(tDec * p.cfg.TicksPerSecond))

	axesWithWork := 0
	for axis, ac := range p.cfg.Axes {
		total := seg.xSteps[axis]
		if total == 0 {
			continue
		}
		accelSteps := uint32(math.Round(seg.constStartFrac * float64(total)))
		decelSteps := uint32(math.Round(seg.constEndFrac * float64(total)))
		if accelSteps+decelSteps > total {
			decelSteps = total - accelSteps
		}
		cruiseSteps := total - accelSteps - decelSteps

		v0 := p.axisStepsPerTick(seg, axis, vStart2)
		vPeak := p.axisStepsPerTick(seg, axis, peakV2)
		v1 := p.axisStepsPerTick(seg, axis, vExit2)

		type spec struct {
			steps uint32
			ticks uint32
			amul  int32
		}
		specs := [3]spec{
			{accelSteps, accelTicks, encodeAMul(v0, vPeak, accelSteps, p.cfg.Precision.AMulShift)},
			{cruiseSteps, cruiseTicks, 0},
			{decelSteps, decelTicks, encodeAMul(vPeak, v1, decelSteps, p.cfg.Precision.AMulShift)},
		}

		var phases []stepper.Command
		var carry uint32
		for _, s := range specs {
			ticks := s.ticks + carry
			carry = 0
			if s.steps == 0 {
				carry = ticks
				continue
			}
			phases = append(phases, stepper.Command{Dir: seg.dir[axis], X: s.steps, T: ticks, AMul: s.amul})
		}
		if carry > 0 && len(phases) > 0 {
			phases[len(phases)-1].T += carry
		}
		if len(phases) == 0 {
			continue
		}

		axesWithWork++
		for _, ph := range phases {
			p.axisQueue[axis] = append(p.axisQueue[axis], queuedCmd{cmd: ph, seq: seg.seq})
		}
	}
	return axesWithWork
}

// startStepping transitions BUFFERING -> STEPPING: arms every axis whose
// queue now holds committed work, using the first queued command as the
// Generator's initial load (spec.md §4.5's planner_start_stepping).
func (p *Planner) startStepping() {
	p.state = StateStepping
	now := p.loop.Now()
	for axis, q := range p.axisQueue {
		if len(q) == 0 {
			continue
		}
		first := q[0].cmd
		p.axisQueue[axis] = q[1:]
		p.gens[axis].Start(now, first)
	}
}

// nextCommand implements stepper.CommandDoneFunc for axis: pop the next
// queued phase, decrementing the owning segment's retirement countdown
// when the phase just consumed was that segment's last one for this
// axis.
func (p *Planner) nextCommand(axis int) (stepper.Command, bool) {
	q := p.axisQueue[axis]
	if len(q) == 0 {
		return stepper.Command{}, false
	}
	qc := q[0]
	p.axisQueue[axis] = q[1:]

	remaining := p.axisRemainingForSeq(axis, qc.seq)
	if remaining == 0 {
		if n, ok := p.pending[qc.seq]; ok {
			n--
			if n <= 0 {
				delete(p.pending, qc.seq)
				p.retireFront()
				p.tryRetireFront()
			} else {
				p.pending[qc.seq] = n
			}
		}
	}
	return qc.cmd, true
}

// axisRemainingForSeq reports how many more queued commands axis still
// has tagged with seq (0 means the one just popped was the last).
func (p *Planner) axisRemainingForSeq(axis int, seq uint64) int {
	n := 0
	for _, qc := range p.axisQueue[axis] {
		if qc.seq == seq {
			n++
		}
	}
	return n
}

// retireFront removes the ring's oldest committed entry (always ring
// offset 0 by construction: segments retire strictly in FIFO order since
// every axis shares the same per-segment phase timing).
func (p *Planner) retireFront() {
	if p.count == 0 {
		return
	}
	p.head = (p.head + 1) % len(p.ring)
	p.count--
	p.committed--
	if p.staging > 0 {
		p.staging--
	}
	if len(p.retireOrder) > 0 {
		p.retireOrder = p.retireOrder[1:]
	}
	if p.count == 0 && p.state == StateStepping {
		p.state = StateBuffering
		p.stagingV2 = 0
		p.lastDirUnit = nil
		if p.onFinished != nil {
			p.onFinished()
		}
	}
}

// tryRetireFront fires and retires any channel events now sitting at the
// front of the committed range (spec.md §4.5's channel-event payload:
// executed once the segment ahead of it starts stepping, which for an
// event at the very front of the ring means immediately).
func (p *Planner) tryRetireFront() {
	for p.committed > 0 && p.count > 0 {
		seg := p.slot(0)
		if !seg.isEvent() {
			return
		}
		if seg.event.Run != nil {
			seg.event.Run()
		}
		p.retireFront()
	}
}

// PrestepFor returns the stepper.PrestepFunc to install on axis's
// Generator: it defers to any application-supplied veto (e.g. an
// endstop) and, on veto, snapshots every axis's in-flight command and
// moves the whole planner to ABORTED — spec.md §4.5's rule that any
// axis's veto aborts the entire coordinated move, not just that axis.
func (p *Planner) PrestepFor(axis int, veto func() bool) func() bool {
	return func() bool {
		if veto == nil || !veto() {
			return false
		}
		p.state = StateAborted
		for i, g := range p.gens {
			dir, steps := g.Snapshot()
			p.abortDir[i] = dir
			p.abortRem[i] = steps
			if i != axis && g.Running() {
				g.Stop()
			}
		}
		if p.onAborted != nil {
			p.onAborted()
		}
		return true
	}
}
