// Package machine simulates a multi-core machine driven by the VCPU
// scheduler. Time is a shared simulated cycle counter; every core has a
// one-shot timer and a context switcher, and the workload is a set of
// synthetic jobs that alternate between running and sleeping.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/clock"
	"github.com/bobuhiro11/govcpu/sched"
	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// idleID is the first task ID used for per-core idle contexts.
const idleID task.ID = 1 << 31

var (
	errNoCPUs        = errors.New("machine needs at least one cpu")
	errZeroFrequency = errors.New("machine frequency must be non-zero")
	errJobExists     = errors.New("job already exists")
	errNoSuchJob     = errors.New("no such job")
)

// Config describes a machine.
type Config struct {
	NumCPUs   int
	Frequency uint64
	Sched     sched.Config
	Boot      []vcpu.Params
	Jobs      []Job
	// Trace records execution intervals, see Trace.
	Trace bool
}

// Job is a synthetic task. It runs for Burst, then sleeps for Sleep, and
// starts over. A zero Burst runs forever. A non-zero Class binds the job
// through IO VCPU selection instead of VCPU.
type Job struct {
	Name  string
	VCPU  int
	Class vcpu.Class
	Burst time.Duration
	Sleep time.Duration
}

// Interval is a stretch of time a task ran on a core.
type Interval struct {
	CPU        int
	VCPU       vcpu.Index
	Task       task.ID
	Start, End uint64
}

// cpu is one simulated core.
type cpu struct {
	id    int
	timer *clock.SimTimer
	cur   *task.Task
	idle  *task.Task
	m     *Machine
}

func (c *cpu) Current() *task.Task     { return c.cur }
func (c *cpu) DefaultIdle() *task.Task { return c.idle }

func (c *cpu) SwitchTo(t *task.Task) {
	c.cur = t

	if p := c.m.procs[t]; p != nil && p.left == 0 {
		p.left = p.burst
	}
}

// proc is the execution state of a job.
type proc struct {
	t     *task.Task
	job   Job
	burst uint64
	left  uint64
}

// Machine is a simulated machine. It is driven from a single goroutine.
type Machine struct {
	clk  *clock.Sim
	sys  *sched.System
	cpus []*cpu
	log  *zap.Logger

	procs  map[*task.Task]*proc
	byName map[string]*proc
	nextID task.ID

	tracing  bool
	trace    []Interval
	last     []int
	consumed map[vcpu.Index]uint64
}

// New builds the machine, initialises the scheduler with the boot VCPU
// table, starts the jobs and runs a first scheduling pass on every core.
func New(cfg Config, logger *zap.Logger) (*Machine, error) {
	if cfg.NumCPUs <= 0 {
		return nil, errNoCPUs
	}

	if cfg.Frequency == 0 {
		return nil, errZeroFrequency
	}

	m := &Machine{
		clk:      clock.NewSim(cfg.Frequency, 1),
		log:      logger.With(zap.String("component", "machine")),
		procs:    make(map[*task.Task]*proc),
		byName:   make(map[string]*proc),
		tracing:  cfg.Trace,
		last:     make([]int, cfg.NumCPUs),
		consumed: make(map[vcpu.Index]uint64),
	}

	ps := make([]sched.Platform, 0, cfg.NumCPUs)

	for i := 0; i < cfg.NumCPUs; i++ {
		c := &cpu{
			id:    i,
			timer: clock.NewSimTimer(m.clk),
			idle:  task.New(idleID+task.ID(i), fmt.Sprintf("idle/%d", i)),
			m:     m,
		}

		m.cpus = append(m.cpus, c)
		m.last[i] = -1
		ps = append(ps, sched.Platform{Timer: c.timer, Switcher: c})
	}

	m.sys = sched.New(m.clk, ps, cfg.Sched, logger)

	if err := m.sys.Init(cfg.Boot); err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	for _, j := range cfg.Jobs {
		if _, err := m.AddJob(j); err != nil {
			return nil, err
		}
	}

	for i := range m.cpus {
		m.sys.Core(i).Tick()
	}

	return m, nil
}

// System returns the scheduler.
func (m *Machine) System() *sched.System { return m.sys }

// Clock returns the simulated clock.
func (m *Machine) Clock() *clock.Sim { return m.clk }

// Now returns the simulated time in cycles.
func (m *Machine) Now() uint64 { return m.clk.Now() }

// Running returns the task executing on core i.
func (m *Machine) Running(i int) *task.Task { return m.cpus[i].cur }

// AddJob creates a task for j and wakes it.
func (m *Machine) AddJob(j Job) (*task.Task, error) {
	if _, ok := m.byName[j.Name]; ok {
		return nil, fmt.Errorf("%w: %q", errJobExists, j.Name)
	}

	m.nextID++
	t := task.New(m.nextID, j.Name)

	if j.Class != 0 {
		m.sys.SetIOVCPU(t, j.Class)
	} else {
		t.VCPU = j.VCPU
	}

	if err := m.register(t, j); err != nil {
		return nil, err
	}

	if err := m.sys.Wakeup(t); err != nil {
		m.unregister(t)

		return nil, fmt.Errorf("start job %q: %w", j.Name, err)
	}

	m.log.Debug("Started job",
		zap.Stringer("task", t),
		zap.Int("vcpu", t.VCPU),
		zap.Duration("burst", j.Burst),
		zap.Duration("sleep", j.Sleep),
	)

	return t, nil
}

func (m *Machine) register(t *task.Task, j Job) error {
	if _, ok := m.byName[t.Name]; ok {
		return fmt.Errorf("%w: %q", errJobExists, t.Name)
	}

	b := clock.FromDuration(m.clk, j.Burst)
	p := &proc{t: t, job: j, burst: b, left: b}

	m.procs[t] = p
	m.byName[t.Name] = p

	return nil
}

func (m *Machine) unregister(t *task.Task) {
	delete(m.procs, t)
	delete(m.byName, t.Name)
}

// Job returns the task of the named job.
func (m *Machine) Job(name string) (*task.Task, error) {
	p, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errNoSuchJob, name)
	}

	return p.t, nil
}

func (m *Machine) running(c *cpu) *proc {
	if c.cur == nil {
		return nil
	}

	return m.procs[c.cur]
}

// RunOnce advances the clock to the next event, but not past until, and
// handles what is due: finished bursts put their job to sleep and expired
// timers tick their core.
func (m *Machine) RunOnce(until uint64) {
	now := m.clk.Now()
	next := until

	for _, c := range m.cpus {
		if d, ok := c.timer.Deadline(); ok && d < next {
			next = d
		}

		if p := m.running(c); p != nil && p.burst > 0 && now+p.left < next {
			next = now + p.left
		}
	}

	if next < now {
		next = now
	}

	m.advance(now, next)
	m.clk.Set(next)

	for _, c := range m.cpus {
		if p := m.running(c); p != nil && p.burst > 0 && p.left == 0 {
			if err := m.sys.Core(c.id).Nanosleep(p.job.Sleep); err != nil {
				m.log.Warn("Job failed to sleep", zap.Stringer("task", p.t), zap.Error(err))

				// keep running until the next tick moves the core on
				p.left = p.burst
			}
		}
	}

	for _, c := range m.cpus {
		if d, ok := c.timer.Deadline(); ok && d <= next {
			c.timer.Fire()
			m.sys.Core(c.id).Tick()
		}
	}
}

// advance charges [now, next) to whatever runs on each core.
func (m *Machine) advance(now, next uint64) {
	if next == now {
		return
	}

	d := next - now

	for _, c := range m.cpus {
		p := m.running(c)
		if p == nil {
			continue
		}

		if p.burst > 0 {
			p.left -= d
		}

		v := vcpu.Index(p.t.VCPU)
		m.consumed[v] += d

		if m.tracing {
			m.record(c.id, v, p.t.ID, now, next)
		}
	}
}

func (m *Machine) record(core int, v vcpu.Index, id task.ID, start, end uint64) {
	if i := m.last[core]; i >= 0 {
		if iv := &m.trace[i]; iv.Task == id && iv.VCPU == v && iv.End == start {
			iv.End = end

			return
		}
	}

	m.trace = append(m.trace, Interval{CPU: core, VCPU: v, Task: id, Start: start, End: end})
	m.last[core] = len(m.trace) - 1
}

// Run drives the machine for d of simulated time or until ctx is done.
func (m *Machine) Run(ctx context.Context, d time.Duration) error {
	until := m.clk.Now() + clock.FromDuration(m.clk, d)

	for m.clk.Now() < until {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.RunOnce(until)
	}

	return nil
}

// Consumed returns the cycles each VCPU has run so far.
func (m *Machine) Consumed() map[vcpu.Index]uint64 {
	r := make(map[vcpu.Index]uint64, len(m.consumed))
	for k, v := range m.consumed {
		r[k] = v
	}

	return r
}

// Trace returns the recorded execution intervals in start order per core.
func (m *Machine) Trace() []Interval {
	return append([]Interval(nil), m.trace...)
}
