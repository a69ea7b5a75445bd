package sched

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/migration"
	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// Detach unbinds t from its VCPU and returns what a destination needs to
// resume it. Afterwards neither the sleep queue, the run queue nor the
// first-level queue refers to t.
func (s *System) Detach(t *task.Task) (*migration.TaskState, error) {
	v := s.table.Lookup(vcpu.Index(t.VCPU))
	if v == nil {
		return nil, fmt.Errorf("detach %v: %w", t, vcpu.ErrNoSuchVCPU)
	}

	s.SleepqueueDetach(t)

	c := s.cores[v.CPU()]

	c.mu.Lock()
	v.ForgetTask(t)

	if v.RunqueueEmpty() && c.queue.Remove(v) {
		v.SetRunnable(false)
	}

	st := &migration.TaskState{
		ID:        uint32(t.ID),
		Name:      t.Name,
		VCPU:      v.ExportState(),
		Frequency: s.clk.Frequency(),
		Now:       s.clk.Now(),
	}
	c.mu.Unlock()

	s.log.Info("Detached task",
		zap.Stringer("task", t),
		zap.Int("vcpu", int(v.Index())),
		zap.Int("replenishments", len(st.VCPU.Replenishments)),
	)

	t.VCPU = task.Unbound

	return st, nil
}

// Attach creates a VCPU matching st, installs the transferred budget state
// shifted onto the local clock and wakes the task on it.
func (s *System) Attach(st *migration.TaskState) (*task.Task, error) {
	if st.Frequency != s.clk.Frequency() {
		return nil, fmt.Errorf("%w: source runs at %d Hz, local at %d Hz",
			vcpu.ErrIncompatible, st.Frequency, s.clk.Frequency())
	}

	p := vcpu.Params{Type: vcpu.Type(st.VCPU.Type), C: st.VCPU.RawC, T: st.VCPU.RawT}
	if st.VCPU.IO != nil {
		p.Class = vcpu.Class(st.VCPU.IO.Class)
	}

	i, err := s.Create(p)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}

	v := s.table.Lookup(i)

	// IO periods follow their wakers, so the source T need not match the
	// creation parameters.
	if v.Type() == vcpu.IO {
		v.SetT(st.VCPU.T)
	}

	offset := int64(s.clk.Now()) - int64(st.Now)

	if err := v.ImportState(st.VCPU, offset); err != nil {
		if derr := s.Destroy(i); derr != nil {
			s.log.Warn("Failed to destroy vcpu after import error", zap.Error(derr))
		}

		return nil, fmt.Errorf("attach: %w", err)
	}

	t := task.New(task.ID(st.ID), st.Name)
	t.VCPU = int(i)

	if err := s.Wakeup(t); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}

	s.log.Info("Attached task",
		zap.Stringer("task", t),
		zap.Int("vcpu", int(i)),
		zap.Int64("offset", offset),
	)

	return t, nil
}
