// Package migration provides the types and transport used to move a task and
// the scheduling state of its VCPU from one scheduler instance to another.
package migration

// Replenishment is a pending budget credit, in source-machine cycles.
type Replenishment struct {
	Budget uint64
	Time   uint64
}

// IOState holds the IO-server fields of a VCPU.
type IOState struct {
	Unum, Uden uint64
	E          uint64
	R          Replenishment
	Budgeted   bool
	Class      uint32
}

// VCPUState is the budget bookkeeping of one VCPU. C and T are in cycles;
// RawC and RawT are the creation parameters in milliseconds.
type VCPUState struct {
	Type           int
	C, T           uint64
	RawC, RawT     uint64
	B              uint64
	Usage          uint64
	Replenishments []Replenishment // MAIN only, in queue order
	IO             *IOState        // nil for MAIN
}

// TaskState is what a destination needs to resume a detached task.
type TaskState struct {
	ID        uint32
	Name      string
	VCPU      VCPUState
	Frequency uint64 // source cycle counter rate
	Now       uint64 // source cycle counter when the state was taken
}
