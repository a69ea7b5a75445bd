package sched_test

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/bobuhiro11/govcpu/clock"
	"github.com/bobuhiro11/govcpu/sched"
	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// 1 MHz: one millisecond is 1000 cycles.
const freq = 1_000_000

type fakeCPU struct {
	cur      *task.Task
	idle     *task.Task
	switches int
}

func (f *fakeCPU) Current() *task.Task     { return f.cur }
func (f *fakeCPU) DefaultIdle() *task.Task { return f.idle }

func (f *fakeCPU) SwitchTo(t *task.Task) {
	f.cur = t
	f.switches++
}

type fixture struct {
	sys    *sched.System
	clk    *clock.Sim
	timers []*clock.SimTimer
	cpus   []*fakeCPU
}

func newFixture(t *testing.T, ncpu int, quantumHz uint64, boot ...vcpu.Params) *fixture {
	t.Helper()

	f := &fixture{clk: clock.NewSim(freq, 1)}

	var ps []sched.Platform

	for i := 0; i < ncpu; i++ {
		tm := clock.NewSimTimer(f.clk)
		c := &fakeCPU{idle: task.New(task.ID(1000+i), "idle")}

		f.timers = append(f.timers, tm)
		f.cpus = append(f.cpus, c)
		ps = append(ps, sched.Platform{Timer: tm, Switcher: c})
	}

	cfg := sched.DefaultConfig()
	cfg.QuantumHz = quantumHz
	cfg.CheckInvariants = true

	f.sys = sched.New(f.clk, ps, cfg, zaptest.NewLogger(t))

	if err := f.sys.Init(boot); err != nil {
		t.Fatal(err)
	}

	return f
}

// run advances the clock to the timer deadline of cpu and delivers the tick.
func (f *fixture) run(t *testing.T, cpu int) {
	t.Helper()

	d, ok := f.timers[cpu].Deadline()
	if !ok {
		t.Fatalf("cpu %d timer not armed", cpu)
	}

	f.clk.Set(d)
	f.timers[cpu].Fire()
	f.sys.Core(cpu).Tick()
}

func (f *fixture) wake(t *testing.T, tk *task.Task) {
	t.Helper()

	if err := f.sys.Wakeup(tk); err != nil {
		t.Fatal(err)
	}
}

func bound(id task.ID, name string, v vcpu.Index) *task.Task {
	tk := task.New(id, name)
	tk.VCPU = int(v)

	return tk
}

func TestInitErrors(t *testing.T) {
	t.Parallel()

	clk := clock.NewSim(freq, 1)
	ps := []sched.Platform{{Timer: clock.NewSimTimer(clk), Switcher: &fakeCPU{}}}

	s := sched.New(clk, ps, sched.DefaultConfig(), zaptest.NewLogger(t))

	if _, err := s.CreateMain(1, 10); !errors.Is(err, sched.ErrNotInitialized) {
		t.Errorf("create before init err %v", err)
	}

	err := s.Init([]vcpu.Params{{Type: vcpu.IO, C: 1, T: 10}})
	if !errors.Is(err, sched.ErrBootVCPUNotMain) {
		t.Errorf("io boot vcpu err %v", err)
	}

	s = sched.New(clk, ps, sched.DefaultConfig(), zaptest.NewLogger(t))

	err = s.Init([]vcpu.Params{{Type: vcpu.Main, C: 20, T: 10}})
	if !errors.Is(err, vcpu.ErrInvalidParams) {
		t.Errorf("invalid boot vcpu err %v", err)
	}

	// 500 Hz cannot express a millisecond in cycles.
	slow := clock.NewSim(500, 1)
	ps = []sched.Platform{{Timer: clock.NewSimTimer(slow), Switcher: &fakeCPU{}}}
	s = sched.New(slow, ps, sched.DefaultConfig(), zaptest.NewLogger(t))

	err = s.Init([]vcpu.Params{{Type: vcpu.Main, C: 10, T: 100}})
	if !errors.Is(err, vcpu.ErrInvalidParams) {
		t.Errorf("slow clock err %v", err)
	}

	if _, err := s.CreateMain(10, 100); !errors.Is(err, sched.ErrNotInitialized) {
		t.Errorf("create after failed geometry check err %v", err)
	}

	cfg := sched.DefaultConfig()
	cfg.QuantumHz = freq * 2
	ps = []sched.Platform{{Timer: clock.NewSimTimer(clk), Switcher: &fakeCPU{}}}
	s = sched.New(clk, ps, cfg, zaptest.NewLogger(t))

	err = s.Init([]vcpu.Params{{Type: vcpu.Main, C: 10, T: 100}})
	if !errors.Is(err, vcpu.ErrInvalidParams) {
		t.Errorf("zero quantum err %v", err)
	}
}

func TestCreateSpreadsAndDestroys(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 1000,
		vcpu.Params{Type: vcpu.Main, C: 10, T: 100},
		vcpu.Params{Type: vcpu.Main, C: 10, T: 50},
	)

	if f.sys.Lookup(0).CPU() != 0 || f.sys.Lookup(1).CPU() != 1 {
		t.Error("vcpus should be spread round-robin")
	}

	i, err := f.sys.CreateMain(5, 20)
	if err != nil {
		t.Fatal(err)
	}

	if i != 2 || f.sys.Lookup(i).CPU() != 0 {
		t.Errorf("index %d on cpu %d", i, f.sys.Lookup(i).CPU())
	}

	if err := f.sys.Destroy(i); err != nil {
		t.Fatal(err)
	}

	if f.sys.Lookup(i) != nil {
		t.Error("destroyed vcpu still resolves")
	}

	if err := f.sys.Destroy(i); !errors.Is(err, vcpu.ErrNoSuchVCPU) {
		t.Errorf("double destroy err %v", err)
	}

	if got := f.sys.LowestPriority(); got != 0 {
		t.Errorf("lowest priority %d, want 0", got)
	}
}

func TestShortestPeriodWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 100,
		vcpu.Params{Type: vcpu.Main, C: 5, T: 20},
		vcpu.Params{Type: vcpu.Main, C: 2, T: 10},
	)

	a := bound(1, "a", 1)
	b := bound(2, "b", 0)

	f.wake(t, b)
	f.wake(t, a)
	f.sys.Core(0).Tick()

	if f.cpus[0].cur != a {
		t.Fatalf("running %v, want a", f.cpus[0].cur)
	}

	// budget of 2ms is shorter than the 10ms quantum
	if got := f.timers[0].Last(); got != 2000 {
		t.Errorf("timer %d, want 2000", got)
	}

	f.run(t, 0)

	if f.cpus[0].cur != b {
		t.Fatalf("running %v after exhaustion, want b", f.cpus[0].cur)
	}

	if got := f.sys.Lookup(1).Budget(); got != 0 {
		t.Errorf("exhausted budget %d", got)
	}

	// b runs its full budget: the replenishment of a at 10001 is later
	if got := f.timers[0].Last(); got != 5000 {
		t.Errorf("timer %d, want 5000", got)
	}

	if c := f.sys.Core(0).Current(); c == nil || c.Index() != 0 {
		t.Errorf("current vcpu %v", c)
	}
}

func TestEqualPeriodFirstQueuedWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 100,
		vcpu.Params{Type: vcpu.Main, C: 5, T: 20},
		vcpu.Params{Type: vcpu.Main, C: 5, T: 20},
	)

	a := bound(1, "a", 1)
	b := bound(2, "b", 0)

	f.wake(t, a)
	f.wake(t, b)
	f.sys.Core(0).Tick()

	if f.cpus[0].cur != a {
		t.Errorf("running %v, want a", f.cpus[0].cur)
	}
}

func TestRoundRobinWithinVCPU(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1000, vcpu.Params{Type: vcpu.Main, C: 5, T: 10})

	a, b, c := bound(1, "a", 0), bound(2, "b", 0), bound(3, "c", 0)

	for _, tk := range []*task.Task{a, b, c} {
		f.wake(t, tk)
	}

	f.sys.Core(0).Tick()

	var got []*task.Task

	for i := 0; i < 4; i++ {
		got = append(got, f.cpus[0].cur)
		f.run(t, 0)
	}

	want := []*task.Task{a, b, c, a}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestWakeupPreempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 100,
		vcpu.Params{Type: vcpu.Main, C: 5, T: 20},
		vcpu.Params{Type: vcpu.Main, C: 2, T: 10},
		vcpu.Params{Type: vcpu.Main, C: 2, T: 40},
	)

	f.wake(t, bound(1, "low", 0))
	f.sys.Core(0).Tick()

	arms := f.timers[0].Arms()

	f.wake(t, bound(2, "lower", 2))

	if f.timers[0].Arms() != arms {
		t.Error("waking a longer period vcpu should not interrupt")
	}

	f.wake(t, bound(3, "high", 1))

	if f.timers[0].Arms() != arms+1 || f.timers[0].Last() != 1 {
		t.Errorf("preemption timer arms=%d last=%d", f.timers[0].Arms(), f.timers[0].Last())
	}

	f.run(t, 0)

	if f.cpus[0].cur.Name != "high" {
		t.Errorf("running %v, want high", f.cpus[0].cur)
	}
}

func TestWakeupUnboundAndIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1000, vcpu.Params{Type: vcpu.Main, C: 5, T: 10})

	tk := task.New(1, "unbound")

	f.wake(t, tk)
	f.wake(t, tk)

	if tk.VCPU != int(sched.BestEffort) {
		t.Errorf("unbound task bound to %d", tk.VCPU)
	}

	v := f.sys.Lookup(sched.BestEffort)
	if n := len(v.Runqueue()); n != 1 {
		t.Errorf("run queue length %d", n)
	}

	if n := len(f.sys.Core(0).Queued()); n != 1 {
		t.Errorf("first level queue length %d", n)
	}

	if !v.Runnable() {
		t.Error("woken vcpu is not runnable")
	}

	if err := f.sys.Wakeup(bound(2, "orphan", 7)); !errors.Is(err, vcpu.ErrNoSuchVCPU) {
		t.Errorf("wakeup on missing vcpu err %v", err)
	}
}

func TestBlockGoesIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1000, vcpu.Params{Type: vcpu.Main, C: 5, T: 10})
	core := f.sys.Core(0)

	a := bound(1, "a", 0)
	f.wake(t, a)
	core.Tick()

	f.clk.Advance(300)
	core.Block()

	if f.cpus[0].cur != f.cpus[0].idle {
		t.Fatalf("running %v, want idle", f.cpus[0].cur)
	}

	if core.Current() != nil {
		t.Error("idle core has a current vcpu")
	}

	v := f.sys.Lookup(0)
	if v.Running() || v.Runnable() {
		t.Errorf("blocked vcpu running=%t runnable=%t", v.Running(), v.Runnable())
	}

	// the consumed 300 cycles were split off one period later
	want := []vcpu.Replenishment{{Budget: 4700, Time: 1}, {Budget: 300, Time: 10001}}
	got := v.Main().Queue().Entries()

	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("replenishments %v, want %v", got, want)
	}

	if err := core.CheckInvariants(); err != nil {
		t.Error(err)
	}

	// an idle core waits a whole quantum
	if f.timers[0].Last() != 1000 {
		t.Errorf("idle timer %d", f.timers[0].Last())
	}
}

func TestJobWakeupAdoptsPeriod(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1000,
		vcpu.Params{Type: vcpu.Main, C: 5, T: 10},
		vcpu.Params{Type: vcpu.IO, C: 1, T: 100, Class: vcpu.ClassNET},
	)

	if got := f.sys.SelectIOVCPU(vcpu.ClassNET); got != 1 {
		t.Fatalf("io vcpu %d", got)
	}

	drv := task.New(1, "driver")
	f.sys.SetIOVCPU(drv, vcpu.ClassNET)

	if drv.VCPU != 1 {
		t.Fatalf("driver bound to %d", drv.VCPU)
	}

	client := bound(2, "client", 0)
	f.wake(t, client)
	f.sys.Core(0).Tick()

	if err := f.sys.Core(0).JobWakeupForMe(drv); err != nil {
		t.Fatal(err)
	}

	if got := f.sys.Lookup(1).T(); got != 10_000 {
		t.Errorf("io period %d, want the client's 10000", got)
	}

	if err := f.sys.JobWakeup(drv, 50_000); err != nil {
		t.Fatal(err)
	}

	if got := f.sys.Lookup(1).T(); got != 10_000 {
		t.Errorf("a longer period replaced a runnable io period: %d", got)
	}
}

func TestDumpStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, 1000, vcpu.Params{Type: vcpu.Main, C: 5, T: 10})

	f.sys.Core(0).Tick()
	f.clk.Advance(1000)

	st := f.sys.DumpStats()

	if st.Window != 1000 {
		t.Errorf("window %d", st.Window)
	}

	if len(st.Cores) != 1 || st.Cores[0].Idle != 1000 {
		t.Errorf("core stats %+v", st.Cores)
	}

	if len(st.VCPUs) != 1 || st.VCPUs[0].Replenishments != 1 || st.VCPUs[0].C != 5000 {
		t.Errorf("vcpu stats %+v", st.VCPUs)
	}

	if st = f.sys.DumpStats(); st.Window != 0 || st.Cores[0].Idle != 0 {
		t.Errorf("second window %+v", st)
	}
}
