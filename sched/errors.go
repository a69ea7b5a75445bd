package sched

import "errors"

var (
	// ErrNotInitialized is returned by Create before Init has run.
	ErrNotInitialized = errors.New("scheduler not initialized")

	// ErrBootVCPUNotMain means VCPU 0 of the boot table is not a MAIN VCPU.
	// Unbound tasks are best-effort and land on VCPU 0, so boot cannot go on.
	ErrBootVCPUNotMain = errors.New("vcpu 0 must be a main vcpu")

	// ErrNoTask is returned when a core has no task context to act on.
	ErrNoTask = errors.New("no current task")
)
