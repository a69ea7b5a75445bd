package sched

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// Wakeup makes t runnable on its VCPU. Unbound tasks are bound to the
// best-effort VCPU first. When the VCPU has budget and outranks whatever
// its core is running, the core is interrupted.
func (s *System) Wakeup(t *task.Task) error {
	if t.VCPU == task.Unbound {
		t.VCPU = int(BestEffort)
	}

	s.SleepqueueDetach(t)

	v := s.table.Lookup(vcpu.Index(t.VCPU))
	if v == nil {
		return fmt.Errorf("wakeup %v: %w", t, vcpu.ErrNoSuchVCPU)
	}

	c := s.cores[v.CPU()]

	c.mu.Lock()
	defer c.mu.Unlock()

	c.wakeup(v, t)

	return nil
}

// wakeup queues t on v, a VCPU of c. c.mu must be held.
func (c *Core) wakeup(v *vcpu.VCPU, t *task.Task) {
	v.RunqueueAppend(t)
	c.queue.Append(v)

	now := c.sys.clk.Now()

	if !v.Runnable() && !v.Running() {
		v.Unblock(now)
	}

	v.SetRunnable(true)
	v.UpdateReplenishments(now)

	if v.Budget() > 0 && (c.current == nil || c.current.T() > v.T()) {
		c.preempt()
	}
}

// JobWakeup wakes t and, for an IO VCPU, adopts period T from the waker
// when that is shorter or the VCPU is idle.
func (s *System) JobWakeup(t *task.Task, period uint64) error {
	if v := s.table.Lookup(vcpu.Index(t.VCPU)); v != nil && v.Type() == vcpu.IO {
		c := s.cores[v.CPU()]

		c.mu.Lock()
		if period < v.T() || (!v.Running() && !v.Runnable()) {
			v.SetT(period)
		}
		c.mu.Unlock()
	}

	return s.Wakeup(t)
}

// JobWakeupForMe wakes t on behalf of the VCPU running on c, passing its
// period along.
func (c *Core) JobWakeupForMe(t *task.Task) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return c.sys.Wakeup(t)
	}

	return c.sys.JobWakeup(t, cur.T())
}

// SelectIOVCPU returns the IO VCPU whose class best matches class, or the
// lowest priority MAIN VCPU when there is no IO VCPU.
func (s *System) SelectIOVCPU(class vcpu.Class) vcpu.Index {
	return s.table.SelectIO(class)
}

// SetIOVCPU binds t to the VCPU chosen by SelectIOVCPU.
func (s *System) SetIOVCPU(t *task.Task, class vcpu.Class) {
	i := s.SelectIOVCPU(class)
	t.VCPU = int(i)

	s.log.Debug("Bound task to io vcpu",
		zap.Stringer("task", t),
		zap.Stringer("class", class),
		zap.Int("vcpu", int(i)),
	)
}
