package clock

import (
	"fmt"
	"sync"
)

// Sim is a manually advanced clock. It never moves on its own.
type Sim struct {
	mu   sync.Mutex
	now  uint64
	freq uint64
}

// NewSim returns a simulated clock running at freq cycles per second and
// reading start cycles. A zero start is bumped to one cycle since zero is
// reserved as "no time" by replenishment bookkeeping.
func NewSim(freq, start uint64) *Sim {
	if start == 0 {
		start = 1
	}

	return &Sim{now: start, freq: freq}
}

func (s *Sim) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now
}

func (s *Sim) Frequency() uint64 { return s.freq }

// Advance moves the clock forward by d cycles.
func (s *Sim) Advance(d uint64) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
}

// Set moves the clock to t. Moving backwards panics: the counter is monotonic.
func (s *Sim) Set(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t < s.now {
		panic(fmt.Sprintf("clock: moving backwards from %d to %d", s.now, t))
	}

	s.now = t
}

// SimTimer is a one-shot timer bound to a Sim clock. The owner polls
// Deadline and calls Fire when the clock reaches it.
type SimTimer struct {
	clk *Sim

	mu       sync.Mutex
	deadline uint64
	armed    bool
	last     uint64
	arms     int
}

// NewSimTimer returns a disarmed timer reading clk.
func NewSimTimer(clk *Sim) *SimTimer {
	return &SimTimer{clk: clk}
}

func (t *SimTimer) ArmOneshot(cycles uint64) {
	now := t.clk.Now()

	t.mu.Lock()
	t.deadline = now + cycles
	t.armed = true
	t.last = cycles
	t.arms++
	t.mu.Unlock()
}

// Deadline returns the absolute expiry time and whether the timer is armed.
func (t *SimTimer) Deadline() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.deadline, t.armed
}

// Fire disarms the timer. It reports whether the timer was armed.
func (t *SimTimer) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := t.armed
	t.armed = false

	return was
}

// Last returns the duration passed to the most recent ArmOneshot.
func (t *SimTimer) Last() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.last
}

// Arms returns how many times the timer was programmed.
func (t *SimTimer) Arms() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.arms
}
