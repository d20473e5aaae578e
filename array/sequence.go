package array

import (
	"sync"
	"time"
)

const sweepHold = 100 * time.Millisecond

// Clock supplies time to the sequencer. The default is the wall clock; tests
// inject a recording fake.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type wallClock struct{}

func (wallClock) Now() time.Time        { return time.Now() }
func (wallClock) Sleep(d time.Duration) { time.Sleep(d) }

// Step is one scheduled drive action: a line pair, the target state and how
// long to hold it before the next step.
type Step struct {
	Coord
	State bool
	Hold  time.Duration
}

// Sequence is an ordered, repeatable list of steps. Validation (cycle count
// 1..1000, 1..MaxSteps steps, non-negative durations) happens where the
// sequence is built, before it reaches the sequencer.
type Sequence struct {
	Steps      []Step
	Cycles     int
	CycleDelay time.Duration
}

// Sequencer plays sequences against a Driver, either blocking (Run) or as
// cursor bookkeeping advanced by an external periodic Tick. Nothing here
// drives Tick by itself.
type Sequencer struct {
	drv   *Driver
	clock Clock

	mu        sync.Mutex
	running   bool
	seq       *Sequence
	cycle     int
	step      int
	stepStart time.Time
}

func NewSequencer(drv *Driver, clock Clock) *Sequencer {
	if clock == nil {
		clock = wallClock{}
	}
	return &Sequencer{drv: drv, clock: clock}
}

// Run executes the sequence synchronously: every cycle plays the steps in
// declared order, holding each step for its duration, with the cycle delay
// between cycles but not after the last one. The caller blocks for the whole
// computed duration.
func (s *Sequencer) Run(seq *Sequence) {
	if seq == nil || len(seq.Steps) == 0 {
		return
	}

	for cycle := 0; cycle < seq.Cycles; cycle++ {
		for _, step := range seq.Steps {
			s.drv.SetElectrode(step.Row, step.Col, step.State)
			s.clock.Sleep(step.Hold)
		}
		if cycle < seq.Cycles-1 {
			s.clock.Sleep(seq.CycleDelay)
		}
	}
}

// Start arms the asynchronous mode: the sequence is recorded, the cursor
// reset, the first step applied and stamped. Advancing is entirely up to
// periodic Tick calls from outside.
func (s *Sequencer) Start(seq *Sequence) {
	if seq == nil || len(seq.Steps) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq = seq
	s.cycle = 0
	s.step = 0
	s.running = true
	s.stepStart = s.clock.Now()

	first := seq.Steps[0]
	s.drv.SetElectrode(first.Row, first.Col, first.State)
}

// Tick advances the cursor when the current step's hold has elapsed,
// applying the newly current step. The inter-cycle delay extends the hold of
// a cycle's last step. After the final step of the final cycle the sequencer
// goes idle.
func (s *Sequencer) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	hold := s.seq.Steps[s.step].Hold
	if s.step == len(s.seq.Steps)-1 && s.cycle < s.seq.Cycles-1 {
		hold += s.seq.CycleDelay
	}
	if now.Sub(s.stepStart) < hold {
		return
	}

	s.step++
	if s.step >= len(s.seq.Steps) {
		s.step = 0
		s.cycle++
		if s.cycle >= s.seq.Cycles {
			s.reset()
			return
		}
	}

	next := s.seq.Steps[s.step]
	s.drv.SetElectrode(next.Row, next.Col, next.State)
	s.stepStart = now
}

// Running reports whether an asynchronous sequence is armed.
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop drops the cursor and the sequence reference. Whatever was last
// commanded on the lines stays commanded.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Sequencer) reset() {
	s.running = false
	s.seq = nil
	s.cycle = 0
	s.step = 0
}

// SweepAll walks every electrode in ascending order, high for 100ms then
// low, once. This is the TEST command behavior.
func (s *Sequencer) SweepAll() {
	for id := 1; id <= Electrodes; id++ {
		s.drv.SetElectrodeByID(id, true)
		s.clock.Sleep(sweepHold)
		s.drv.SetElectrodeByID(id, false)
	}
}
