package stepper

import (
	"testing"

	"github.com/go-aistack/aistack/sched"
	"github.com/stretchr/testify/require"
)

type fakeStepper struct {
	dir      bool
	pulses   int
	onCount  int
	offCount int
}

func (s *fakeStepper) SetDir(positive bool) { s.dir = positive }
func (s *fakeStepper) StepOn()              { s.onCount++; s.pulses++ }
func (s *fakeStepper) StepOff()             { s.offCount++ }

// fire drives the generator's timer callback directly, matching this
// repo's convention of exercising timer-triggered logic synchronously
// rather than waiting on the real wall clock.
func fire(g *Generator) { g.onTimer(0) }

func TestConstantVelocityCommandStepsOnceEachFire(t *testing.T) {
	loop := sched.New(nil)
	hw := &fakeStepper{}
	g := NewGenerator(loop, hw, DefaultPrecision())

	cmd := Command{Dir: true, X: 3, T: 300, AMul: 0}
	g.Start(0, cmd)
	require.True(t, g.Running())

	for i := 0; i < 3; i++ {
		fire(g)
	}
	require.Equal(t, 3, hw.pulses)
	require.True(t, hw.dir)
}

func TestZeroStepCommandAdvancesTimeWithoutPulsing(t *testing.T) {
	loop := sched.New(nil)
	hw := &fakeStepper{}
	g := NewGenerator(loop, hw, DefaultPrecision())

	g.Start(0, Command{Dir: true, X: 0, T: 50, AMul: 0})
	require.Equal(t, 0, hw.pulses)
	require.Equal(t, sched.Time(50), g.time)
}

func TestCommandChainViaOnCommandDone(t *testing.T) {
	loop := sched.New(nil)
	hw := &fakeStepper{}
	g := NewGenerator(loop, hw, DefaultPrecision())

	queue := []Command{
		{Dir: true, X: 2, T: 200, AMul: 0},
		{Dir: false, X: 2, T: 200, AMul: 0},
	}
	g.OnCommandDone(func() (Command, bool) {
		if len(queue) == 0 {
			return Command{}, false
		}
		c := queue[0]
		queue = queue[1:]
		return c, true
	})

	first := Command{Dir: true, X: 1, T: 100, AMul: 0}
	g.Start(0, first)
	fire(g) // `first`'s one and only step

	require.Equal(t, 1, hw.pulses)

	fire(g) // loads queue[0] (dir=true, X=2) and takes its first step
	require.Equal(t, 2, hw.pulses)
	require.True(t, hw.dir)

	fire(g) // queue[0]'s second and last step
	require.Equal(t, 3, hw.pulses)
	require.True(t, hw.dir)

	fire(g) // loads queue[1] (dir=false, X=2) and takes its first step
	require.Equal(t, 4, hw.pulses)
	require.False(t, hw.dir)

	fire(g) // queue[1]'s second and last step
	require.Equal(t, 5, hw.pulses)

	fire(g) // queue empty -> generator stops
	require.False(t, g.Running())
}

func TestPrestepCallbackVetoAborts(t *testing.T) {
	loop := sched.New(nil)
	hw := &fakeStepper{}
	g := NewGenerator(loop, hw, DefaultPrecision())
	g.SetPrestepCallbackEnabled(func() bool { return true })

	g.Start(0, Command{Dir: true, X: 5, T: 500, AMul: 0})
	fire(g)

	require.True(t, g.Aborted())
	require.False(t, g.Running())
	require.Equal(t, 0, hw.pulses)
	dir, steps := g.AbortedCmdSteps()
	require.True(t, dir)
	require.Equal(t, uint32(5), steps)
}

func TestDecelCommandCompletesAfterAllSteps(t *testing.T) {
	loop := sched.New(nil)
	hw := &fakeStepper{}
	g := NewGenerator(loop, hw, DefaultPrecision())
	g.OnCommandDone(func() (Command, bool) { return Command{}, false })

	g.Start(0, Command{Dir: true, X: 4, T: 400, AMul: -16})
	for i := 0; i < 4; i++ {
		fire(g)
	}
	require.Equal(t, 4, hw.pulses)
	fire(g) // no more commands available -> stop
	require.False(t, g.Running())
}
