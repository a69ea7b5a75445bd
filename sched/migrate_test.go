package sched_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

func TestDetachAttach(t *testing.T) {
	t.Parallel()

	src := newFixture(t, 1, 1000,
		vcpu.Params{Type: vcpu.Main, C: 5, T: 10},
		vcpu.Params{Type: vcpu.Main, C: 2, T: 20},
	)

	m := bound(7, "mover", 1)
	src.wake(t, m)
	src.sys.Core(0).Tick()

	src.clk.Advance(500)
	src.sys.Core(0).Block()

	st, err := src.sys.Detach(m)
	if err != nil {
		t.Fatal(err)
	}

	if m.VCPU != task.Unbound {
		t.Errorf("detached task still bound to %d", m.VCPU)
	}

	v := src.sys.Lookup(1)
	if !v.RunqueueEmpty() || len(src.sys.Core(0).Queued()) != 0 || v.Runnable() {
		t.Error("detach left references behind")
	}

	if len(st.VCPU.Replenishments) != 2 || st.Now != 501 || st.VCPU.B != 1500 {
		t.Fatalf("exported state %+v", st)
	}

	dst := newFixture(t, 1, 1000, vcpu.Params{Type: vcpu.Main, C: 5, T: 10})
	dst.clk.Set(100_001)

	moved, err := dst.sys.Attach(st)
	if err != nil {
		t.Fatal(err)
	}

	if moved.ID != 7 || moved.Name != "mover" || moved.VCPU != 1 {
		t.Errorf("attached task %+v", moved)
	}

	got := dst.sys.Lookup(1).Main().Queue().Entries()
	want := []vcpu.Replenishment{{Budget: 1500, Time: 100_001}, {Budget: 500, Time: 119_501}}

	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("replenishments %v, want %v", got, want)
	}

	dst.sys.Core(0).Tick()

	if dst.cpus[0].cur != moved {
		t.Errorf("running %v, want the attached task", dst.cpus[0].cur)
	}

	if got := dst.sys.Lookup(1).Budget(); got != 1500 {
		t.Errorf("budget %d, want 1500", got)
	}
}

func TestAttachRejectsForeignClock(t *testing.T) {
	t.Parallel()

	src := newFixture(t, 1, 1000, vcpu.Params{Type: vcpu.Main, C: 5, T: 10})

	m := bound(1, "m", 0)
	src.wake(t, m)

	st, err := src.sys.Detach(m)
	if err != nil {
		t.Fatal(err)
	}

	st.Frequency *= 2

	dst := newFixture(t, 1, 1000, vcpu.Params{Type: vcpu.Main, C: 5, T: 10})

	if _, err := dst.sys.Attach(st); !errors.Is(err, vcpu.ErrIncompatible) {
		t.Errorf("err %v, want ErrIncompatible", err)
	}

	if dst.sys.Lookup(1) != nil {
		t.Error("failed attach left a vcpu behind")
	}
}
