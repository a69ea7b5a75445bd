// Package vcpu implements virtual CPUs: sporadic servers that own a budget
// C per period T and a run queue of tasks. Two server variants exist. MAIN
// servers keep a queue of replenishments; IO servers track a single pending
// replenishment and an eligibility time advanced at their utilisation rate.
package vcpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govcpu/task"
)

// UnitsPerSec is the resolution of C and T in Params: milliseconds.
const UnitsPerSec = 1000

var (
	// ErrInvalidParams is returned for a zero C or T, C larger than T, or a
	// clock too slow to express them in cycles.
	ErrInvalidParams = errors.New("invalid vcpu parameters")

	// ErrNoFreeSlot means every VCPU table slot is taken.
	ErrNoFreeSlot = errors.New("no free vcpu slot")

	// ErrNoSuchVCPU is returned for an index that holds no VCPU.
	ErrNoSuchVCPU = errors.New("no such vcpu")

	// ErrIncompatible means imported state was taken from a VCPU with a
	// different C or T.
	ErrIncompatible = errors.New("incompatible vcpu state")

	// ErrBudgetMismatch means imported replenishments do not add up to C.
	ErrBudgetMismatch = errors.New("replenishment budget mismatch")
)

// Index is the stable identity of a VCPU: its slot in the Table.
type Index int

// None is the index of no VCPU.
const None Index = -1

// Type selects the server variant.
type Type int

const (
	Main Type = iota
	IO
)

func (t Type) String() string {
	switch t {
	case Main:
		return "main"
	case IO:
		return "io"
	}

	return fmt.Sprintf("Type(%d)", int(t))
}

// Params describes a VCPU to create. C and T are in milliseconds.
type Params struct {
	Type  Type
	C     uint64
	T     uint64
	Class Class
}

// Geometry carries the machine constants needed to convert Params.
type Geometry struct {
	// Frequency is the cycle counter rate in cycles per second.
	Frequency uint64
	// QuantumHz is the round-robin slice rate within a VCPU.
	QuantumHz uint64
	// InitTime is the cycle count at scheduler initialisation. It seeds the
	// first replenishment of MAIN servers.
	InitTime uint64
}

// Quantum returns the platform quantum in cycles.
func (g Geometry) Quantum() uint64 {
	if g.QuantumHz == 0 {
		return 0
	}

	return g.Frequency / g.QuantumHz
}

// Validate reports whether g can express a millisecond and a quantum as a
// non-zero number of cycles.
func (g Geometry) Validate() error {
	if g.Frequency < UnitsPerSec || g.Quantum() == 0 {
		return fmt.Errorf("%w: frequency %d Hz, quantum %d Hz", ErrInvalidParams, g.Frequency, g.QuantumHz)
	}

	return nil
}

// hooks is the behaviour that differs between server variants.
type hooks interface {
	updateReplenishments(v *VCPU, now uint64)
	nextEvent(v *VCPU, now uint64) uint64
	endTimeslice(v *VCPU, now, elapsed uint64) uint64
	unblock(v *VCPU, now uint64)
}

// VCPU is a virtual CPU. Fields are guarded by the owning core's scheduler;
// Lock must be held by any other core that inspects or changes them.
type VCPU struct {
	mu sync.Mutex

	index Index
	typ   Type
	cpu   int

	c, t       uint64
	rawC, rawT uint64

	b     uint64
	usage uint64

	prevUsage     uint64
	schedOverhead uint64
	prevDelta     uint64
	prevCount     uint64

	runnable bool
	running  bool

	runqueue     task.Queue
	tr           *task.Task
	nextSchedule uint64
	quantum      uint64

	virtualTSC uint64
	prevTSC    uint64
	counted    uint64

	next    *VCPU
	onQueue *Queue

	server hooks
	main   *MainServer
	io     *IOServer
}

// New builds an unindexed VCPU on cpu.
func New(p Params, cpu int, g Geometry) (*VCPU, error) {
	if p.C == 0 || p.T == 0 || p.C > p.T {
		return nil, fmt.Errorf("%w: C=%d T=%d", ErrInvalidParams, p.C, p.T)
	}

	unit := g.Frequency / UnitsPerSec
	if unit == 0 {
		return nil, fmt.Errorf("%w: C=%d T=%d round to zero cycles at %d Hz", ErrInvalidParams, p.C, p.T, g.Frequency)
	}

	v := &VCPU{
		index:   None,
		typ:     p.Type,
		cpu:     cpu,
		c:       p.C * unit,
		t:       p.T * unit,
		rawC:    p.C,
		rawT:    p.T,
		quantum: g.Quantum(),
	}

	switch p.Type {
	case Main:
		v.main = newMainServer()
		v.main.q.Add(v.c, g.InitTime)
		v.server = v.main
	case IO:
		v.io = &IOServer{Unum: p.C, Uden: p.T, Class: p.Class}
		v.b = v.c
		v.server = v.io
	default:
		return nil, fmt.Errorf("%w: type %v", ErrInvalidParams, p.Type)
	}

	return v, nil
}

func (v *VCPU) Index() Index { return v.index }
func (v *VCPU) Type() Type { return v.typ }
func (v *VCPU) CPU() int { return v.cpu }

// C returns the capacity per period in cycles.
func (v *VCPU) C() uint64 { return v.c }

// T returns the period in cycles. Smaller T means higher priority.
func (v *VCPU) T() uint64 { return v.t }

// SetT changes the period, and with it the priority.
func (v *VCPU) SetT(t uint64) { v.t = t }

// Params returns the parameters the VCPU was created with.
func (v *VCPU) Params() Params {
	p := Params{Type: v.typ, C: v.rawC, T: v.rawT}
	if v.io != nil {
		p.Class = v.io.Class
	}

	return p
}

// Budget returns the currently available budget b.
func (v *VCPU) Budget() uint64 { return v.b }

// Usage returns the cycles consumed since the last accounting point.
func (v *VCPU) Usage() uint64 { return v.usage }

// PrevUsage returns the usage recorded at the last exhaustion.
func (v *VCPU) PrevUsage() uint64 { return v.prevUsage }

// SchedOverhead returns the last overrun past the available budget.
func (v *VCPU) SchedOverhead() uint64 { return v.schedOverhead }

// RecordTimer remembers the last timer programming made on behalf of v.
func (v *VCPU) RecordTimer(delta, count uint64) {
	v.prevDelta = delta
	v.prevCount = count
}

// LastTimer returns the values stored by RecordTimer.
func (v *VCPU) LastTimer() (delta, count uint64) { return v.prevDelta, v.prevCount }

func (v *VCPU) Runnable() bool { return v.runnable }
func (v *VCPU) SetRunnable(r bool) { v.runnable = r }
func (v *VCPU) Running() bool { return v.running }
func (v *VCPU) SetRunning(r bool) { v.running = r }
func (v *VCPU) Quantum() uint64 { return v.quantum }
func (v *VCPU) Current() *task.Task { return v.tr }

// Main returns the MAIN server state, or nil for an IO VCPU.
func (v *VCPU) Main() *MainServer { return v.main }

// IO returns the IO server state, or nil for a MAIN VCPU.
func (v *VCPU) IO() *IOServer { return v.io }

func (v *VCPU) Lock() { v.mu.Lock() }
func (v *VCPU) Unlock() { v.mu.Unlock() }

func (v *VCPU) String() string {
	return fmt.Sprintf("vcpu%d(%v cpu=%d C=%d T=%d b=%d)", v.index, v.typ, v.cpu, v.c, v.t, v.b)
}

// UpdateReplenishments refreshes b from the replenishments due by now.
func (v *VCPU) UpdateReplenishments(now uint64) { v.server.updateReplenishments(v, now) }

// NextEvent returns the time of the next replenishment, or 0 if none.
func (v *VCPU) NextEvent(now uint64) uint64 { return v.server.nextEvent(v, now) }

// EndTimeslice charges elapsed cycles to v. It returns how far elapsed
// overran the budget, which the caller attributes to its core.
func (v *VCPU) EndTimeslice(now, elapsed uint64) uint64 {
	return v.server.endTimeslice(v, now, elapsed)
}

// Unblock is called when a task wakes onto an idle VCPU.
func (v *VCPU) Unblock(now uint64) { v.server.unblock(v, now) }

// RunqueueAppend puts t at the tail of the run queue. A task already queued
// is left where it is.
func (v *VCPU) RunqueueAppend(t *task.Task) bool { return v.runqueue.Append(t) }

// RemoveFromRunqueue unlinks t from the run queue.
func (v *VCPU) RemoveFromRunqueue(t *task.Task) bool { return v.runqueue.Remove(t) }

// InRunqueue reports whether t is queued on v. A nil task asks whether
// anything is queued.
func (v *VCPU) InRunqueue(t *task.Task) bool {
	if t == nil {
		return !v.runqueue.Empty()
	}

	return v.runqueue.Contains(t)
}

// RunqueueEmpty reports whether no task waits on v.
func (v *VCPU) RunqueueEmpty() bool { return v.runqueue.Empty() }

// Runqueue returns the waiting tasks in order.
func (v *VCPU) Runqueue() []*task.Task { return v.runqueue.Tasks() }

// ForgetTask drops t as the current task and from the run queue.
func (v *VCPU) ForgetTask(t *task.Task) {
	v.runqueue.Remove(t)

	if v.tr == t {
		v.tr = nil
		v.nextSchedule = 0
	}
}

// InternalSchedule is the round-robin second level. The current task keeps
// running while its quantum, measured in VCPU virtual time, lasts and it is
// still runnable; otherwise the head of the run queue takes over.
func (v *VCPU) InternalSchedule() *task.Task {
	now := v.virtualTSC

	if v.nextSchedule != 0 && now < v.nextSchedule && v.runqueue.Contains(v.tr) {
		v.runqueue.Remove(v.tr)

		return v.tr
	}

	v.tr = v.runqueue.RemoveHead()
	v.nextSchedule = now + v.quantum

	return v.tr
}

// AcntBegin marks the start of a timeslice.
func (v *VCPU) AcntBegin(now uint64) { v.prevTSC = now }

// AcntEnd charges the timeslice that began at the last AcntBegin.
func (v *VCPU) AcntEnd(now uint64) {
	if v.prevTSC != 0 {
		v.counted += now - v.prevTSC
		v.virtualTSC += now - v.prevTSC
	}
}

// VirtualTSC returns the total cycles v has run.
func (v *VCPU) VirtualTSC() uint64 { return v.virtualTSC }

// TakeCounted returns the cycles run since the previous call and resets them.
func (v *VCPU) TakeCounted() uint64 {
	c := v.counted
	v.counted = 0

	return c
}
