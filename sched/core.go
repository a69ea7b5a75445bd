package sched

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/clock"
	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// Core is the first-level scheduler of one physical core.
type Core struct {
	id    int
	sys   *System
	timer clock.Timer
	sw    Switcher
	log   *zap.Logger

	mu      sync.Mutex
	queue   vcpu.Queue
	current *vcpu.VCPU
	idle    *task.Task
	tprev   uint64

	// deadline is the absolute expiry of the last programmed timer.
	deadline uint64
	// hrDeadline is the earliest pending high-resolution sleep wakeup.
	hrDeadline uint64

	overhead      uint64
	overheadTotal uint64
	idleTime      uint64
	idlePrev      uint64
	schedTime     uint64
	passes        uint64
}

func newCore(s *System, id int, p Platform) *Core {
	return &Core{
		id:    id,
		sys:   s,
		timer: p.Timer,
		sw:    p.Switcher,
		log:   s.log.With(zap.Int("pcpu", id)),
	}
}

// ID returns the core number.
func (c *Core) ID() int { return c.id }

// SetIdleTask overrides the platform idle context.
func (c *Core) SetIdleTask(t *task.Task) {
	c.mu.Lock()
	c.idle = t
	c.mu.Unlock()
}

// Current returns the VCPU the core last selected, or nil when idle.
func (c *Core) Current() *vcpu.VCPU {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Queued returns the VCPUs waiting on the core.
func (c *Core) Queued() []*vcpu.VCPU {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.VCPUs()
}

func (c *Core) idleTask() *task.Task {
	if c.idle == nil {
		c.idle = c.sw.DefaultIdle()
	}

	return c.idle
}

// Schedule runs a scheduling pass. It is the path taken when the running
// task blocks: the task is not put back on any queue.
func (c *Core) Schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.schedule()
}

// Block is Schedule under the name used by task code.
func (c *Core) Block() { c.Schedule() }

// JobCompletion ends the current job of a periodic task.
func (c *Core) JobCompletion() { c.Schedule() }

// Tick handles a timer interrupt: expired sleepers are woken, the
// interrupted task goes back on its run queue and a pass runs.
func (c *Core) Tick() {
	c.sys.ProcessSleepQueue()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.requeueCurrent()
	c.schedule()
}

// Yield gives up the processor while staying runnable.
func (c *Core) Yield() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requeueCurrent()
	c.schedule()
}

func (c *Core) requeueCurrent() {
	t := c.sw.Current()
	if t == nil || t == c.idle || t.VCPU == task.Unbound || t.Queued() {
		return
	}

	v := c.sys.table.Lookup(vcpu.Index(t.VCPU))
	if v == nil || v.CPU() != c.id {
		c.log.Warn("Interrupted task has no vcpu on this core", zap.Stringer("task", t))

		return
	}

	c.wakeup(v, t)
}

// schedule is the first-level pass. c.mu must be held.
func (c *Core) schedule() {
	start := c.sys.cfg.Profiler.Now()

	if c.sys.cfg.CheckInvariants {
		if err := c.checkInvariants(); err != nil {
			panic(fmt.Sprintf("sched: cpu %d: %v", c.id, err))
		}
	}

	now := c.sys.clk.Now()
	elapsed := now - c.tprev
	prev := c.current

	if prev != nil {
		prev.AcntEnd(now)

		if o := prev.EndTimeslice(now, elapsed); o > 0 {
			c.overhead = o
			c.overheadTotal += o
		}
	} else if c.idlePrev != 0 {
		c.idleTime += now - c.idlePrev
	}

	var (
		v     *vcpu.VCPU
		tnext uint64
	)

	c.queue.Each(func(q *vcpu.VCPU) bool {
		if tnext == 0 || q.T() < tnext {
			q.UpdateReplenishments(now)

			if q.Budget() > 0 {
				tnext = q.T()
				v = q
			}
		}

		return true
	})

	var next *task.Task

	if v != nil {
		next = v.InternalSchedule()

		if v.RunqueueEmpty() {
			c.queue.Remove(v)
			v.SetRunnable(false)
		}

		if next == nil {
			v = nil
		}
	}

	c.armTimer(now, v, tnext)

	if v != nil {
		v.AcntBegin(now)
		c.idlePrev = 0
	} else {
		next = c.idleTask()
		c.idlePrev = now
	}

	c.current = v
	c.tprev = now
	c.passes++

	if prev != nil {
		prev.SetRunning(false)
	}

	if v != nil {
		v.SetRunning(true)
	}

	c.schedTime += c.sys.cfg.Profiler.Now() - start

	if c.sw.Current() != next {
		c.sw.SwitchTo(next)
	}
}

// armTimer programs the next interrupt: when the selected VCPU runs out of
// budget or when a queued VCPU that could preempt it is replenished,
// whichever comes first.
func (c *Core) armTimer(now uint64, v *vcpu.VCPU, tnext uint64) {
	var delta uint64

	if v != nil {
		delta = v.Budget()
	}

	c.queue.Each(func(q *vcpu.VCPU) bool {
		if tnext != 0 && q.T() > tnext {
			return true
		}

		if ev := q.NextEvent(now); ev > now && (delta == 0 || ev-now < delta) {
			delta = ev - now
		}

		return true
	})

	if c.hrDeadline != 0 {
		switch {
		case c.hrDeadline <= now:
			c.hrDeadline = 0
		case delta == 0 || c.hrDeadline-now < delta:
			delta = c.hrDeadline - now
		}
	}

	quantum := c.sys.geom.Quantum()
	count := delta

	switch {
	case delta == 0:
		count = quantum
	case delta < c.sys.cfg.TimerResolution:
		count = c.sys.cfg.TimerResolution
	case delta > quantum:
		count = quantum
	}

	if count == 0 {
		count = 1
	}

	c.arm(now, count)

	if v != nil && delta > 0 {
		v.RecordTimer(delta, count)
	}
}

func (c *Core) arm(now, cycles uint64) {
	c.deadline = now + cycles
	c.timer.ArmOneshot(cycles)
}

// setHRDeadline records a high-resolution wakeup and pulls the timer in
// when it would otherwise fire later.
func (c *Core) setHRDeadline(at uint64) {
	if c.hrDeadline == 0 || at < c.hrDeadline {
		c.hrDeadline = at
	}

	now := c.sys.clk.Now()
	if at >= c.deadline || at <= now {
		return
	}

	d := at - now
	if d < c.sys.cfg.TimerResolution {
		d = c.sys.cfg.TimerResolution
	}

	c.arm(now, d)
}

// preempt fires the timer as soon as possible.
func (c *Core) preempt() {
	c.arm(c.sys.clk.Now(), c.sys.cfg.TimerResolution)
}
