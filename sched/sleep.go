package sched

import (
	"time"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/clock"
	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// hrWindow is how close a high-resolution sleeper must be before the timer
// is programmed for it: one millisecond.
const hrWindow = time.Millisecond

// Usleep puts the task running on c to sleep for usec microseconds.
func (c *Core) Usleep(usec uint64) error {
	return c.sleep(time.Duration(usec)*time.Microsecond, false)
}

// Nanosleep is Usleep with sub-tick precision: a wakeup less than a
// millisecond away gets its own timer interrupt.
func (c *Core) Nanosleep(d time.Duration) error {
	return c.sleep(d, true)
}

func (c *Core) sleep(d time.Duration, hr bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.sw.Current()
	if t == nil || t == c.idle || t.VCPU == task.Unbound {
		return ErrNoTask
	}

	if v := c.sys.table.Lookup(vcpu.Index(t.VCPU)); v != nil {
		v.RemoveFromRunqueue(t)
	}

	now := c.sys.clk.Now()
	t.WakeTime = now + clock.FromDuration(c.sys.clk, d)
	t.HRSleep = hr

	c.sys.sleepMu.Lock()
	c.sys.sleepq.InsertBefore(t, func(t, e *task.Task) bool { return t.WakeTime < e.WakeTime })
	c.sys.sleepMu.Unlock()

	if hr && d < hrWindow {
		c.setHRDeadline(t.WakeTime)
	}

	c.schedule()

	return nil
}

// ProcessSleepQueue wakes every sleeper that is due and programs timers for
// high-resolution sleepers about to become due.
func (s *System) ProcessSleepQueue() {
	type hrWake struct {
		cpu int
		at  uint64
	}

	now := s.clk.Now()
	window := clock.FromDuration(s.clk, hrWindow)

	var (
		due []*task.Task
		hrs []hrWake
	)

	s.sleepMu.Lock()

	for t := s.sleepq.Head(); t != nil && t.WakeTime <= now; t = s.sleepq.Head() {
		s.sleepq.RemoveHead()
		t.WakeTime = 0
		t.HRSleep = false
		due = append(due, t)
	}

	s.sleepq.Each(func(t *task.Task) bool {
		if t.WakeTime-now >= window {
			return false
		}

		if t.HRSleep {
			if v := s.table.Lookup(vcpu.Index(t.VCPU)); v != nil {
				hrs = append(hrs, hrWake{cpu: v.CPU(), at: t.WakeTime})
			}
		}

		return true
	})

	s.sleepMu.Unlock()

	for _, t := range due {
		if err := s.Wakeup(t); err != nil {
			s.log.Warn("Failed to wake sleeper", zap.Stringer("task", t), zap.Error(err))
		}
	}

	for _, h := range hrs {
		c := s.cores[h.cpu]

		c.mu.Lock()
		c.setHRDeadline(h.at)
		c.mu.Unlock()
	}
}

// SleepqueueDetach removes t from the sleep queue. It reports whether t was
// sleeping.
func (s *System) SleepqueueDetach(t *task.Task) bool {
	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()

	if !s.sleepq.Remove(t) {
		return false
	}

	t.WakeTime = 0
	t.HRSleep = false

	return true
}

// Sleeping returns the number of sleeping tasks.
func (s *System) Sleeping() int {
	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()

	return s.sleepq.Len()
}
