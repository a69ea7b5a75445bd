// Package task defines the part of a task the scheduler depends on: an
// identity, the VCPU it is bound to, sleep bookkeeping, and an intrusive link
// that places it on exactly one queue at a time.
package task

import "fmt"

// ID identifies a task.
type ID uint32

// Unbound is the VCPU value of a task that has not been assigned to a VCPU.
const Unbound = -1

// Task is a schedulable execution context. Fields other than the link are
// owned by the caller; the sleep fields belong to the sleep facility.
type Task struct {
	ID   ID
	Name string

	// VCPU is the index of the owning VCPU, or Unbound.
	VCPU int

	// WakeTime is the absolute cycle count at which a sleeping task is due.
	WakeTime uint64
	// HRSleep marks a sleep that asked for sub-tick precision.
	HRSleep bool

	next *Task
	on   *Queue
}

// New returns an unbound task.
func New(id ID, name string) *Task {
	return &Task{ID: id, Name: name, VCPU: Unbound}
}

// Queued reports whether t is on any queue.
func (t *Task) Queued() bool { return t.on != nil }

func (t *Task) String() string {
	if t == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%s(%d)", t.Name, t.ID)
}
