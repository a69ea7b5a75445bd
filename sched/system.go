// Package sched implements the two-level VCPU scheduler. The first level
// picks, per physical core, the VCPU with the shortest period that still has
// budget; the second level runs the tasks of that VCPU round-robin.
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/clock"
	"github.com/bobuhiro11/govcpu/task"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// BestEffort is the VCPU that unbound tasks are assigned to.
const BestEffort vcpu.Index = 0

// Switcher performs context switches on one core.
type Switcher interface {
	// Current returns the task executing on the core.
	Current() *task.Task
	// SwitchTo makes t the executing task.
	SwitchTo(t *task.Task)
	// DefaultIdle returns the platform idle context of the core.
	DefaultIdle() *task.Task
}

// Platform is what the scheduler needs from one physical core.
type Platform struct {
	Timer    clock.Timer
	Switcher Switcher
}

// Config holds scheduler tunables.
type Config struct {
	// QuantumHz sets both the round-robin slice and the longest timer
	// interval. Defaults to 1000.
	QuantumHz uint64
	// TimerResolution is the shortest programmable timer interval in
	// cycles. Defaults to 1.
	TimerResolution uint64
	// PinnedCPU places every VCPU on that core instead of spreading them
	// round-robin. Negative disables pinning.
	PinnedCPU int
	// CheckInvariants verifies queue and budget invariants on every
	// scheduling pass and panics on a violation.
	CheckInvariants bool
	// Profiler measures the time spent inside scheduling passes. Defaults
	// to the scheduler clock.
	Profiler clock.Clock
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		QuantumHz:       1000,
		TimerResolution: 1,
		PinnedCPU:       -1,
	}
}

// System is the scheduler state shared by all cores: the VCPU table, the
// sleep queue and the per-core schedulers.
type System struct {
	clk   clock.Clock
	cfg   Config
	log   *zap.Logger
	cores []*Core
	table vcpu.Table

	initialized atomic.Bool
	geom        vcpu.Geometry
	nextCPU     int

	sleepMu sync.Mutex
	sleepq  task.Queue

	statsStart uint64
}

// New builds a scheduler for len(cpus) cores reading clk.
func New(clk clock.Clock, cpus []Platform, cfg Config, logger *zap.Logger) *System {
	if cfg.QuantumHz == 0 {
		cfg.QuantumHz = 1000
	}

	if cfg.TimerResolution == 0 {
		cfg.TimerResolution = 1
	}

	if cfg.Profiler == nil {
		cfg.Profiler = clk
	}

	s := &System{
		clk: clk,
		cfg: cfg,
		log: logger.With(zap.String("component", "sched")),
	}

	for i, p := range cpus {
		s.cores = append(s.cores, newCore(s, i, p))
	}

	return s
}

// Init records the initialisation timestamp and creates the boot VCPUs.
// The first boot VCPU must be a MAIN VCPU.
func (s *System) Init(boot []vcpu.Params) error {
	now := s.clk.Now()

	s.geom = vcpu.Geometry{
		Frequency: s.clk.Frequency(),
		QuantumHz: s.cfg.QuantumHz,
		InitTime:  now,
	}

	if err := s.geom.Validate(); err != nil {
		return err
	}

	s.statsStart = now
	s.initialized.Store(true)

	s.log.Info("Initializing vcpu scheduler",
		zap.Int("boot_vcpus", len(boot)),
		zap.Int("num_cpus", len(s.cores)),
		zap.Uint64("frequency", s.geom.Frequency),
		zap.Uint64("unit_cycles", s.geom.Frequency/vcpu.UnitsPerSec),
	)

	for i, p := range boot {
		if _, err := s.Create(p); err != nil {
			return fmt.Errorf("create boot vcpu %d: %w", i, err)
		}
	}

	if v := s.table.Lookup(BestEffort); v == nil || v.Type() != vcpu.Main {
		return ErrBootVCPUNotMain
	}

	return nil
}

// Create allocates a VCPU and assigns it a core.
func (s *System) Create(p vcpu.Params) (vcpu.Index, error) {
	if !s.initialized.Load() {
		return vcpu.None, ErrNotInitialized
	}

	v, err := s.table.Create(p, s.assignCPU, s.geom)
	if err != nil {
		return vcpu.None, err
	}

	s.log.Info("Created vcpu",
		zap.Int("vcpu", int(v.Index())),
		zap.Stringer("type", v.Type()),
		zap.Int("pcpu", v.CPU()),
		zap.Uint64("C", v.C()),
		zap.Uint64("T", v.T()),
		zap.Uint64("utilization_pct", p.C*100/p.T),
		zap.Stringer("io_class", p.Class),
	)

	return v.Index(), nil
}

// CreateMain creates a MAIN VCPU with capacity c per period t milliseconds.
func (s *System) CreateMain(c, t uint64) (vcpu.Index, error) {
	return s.Create(vcpu.Params{Type: vcpu.Main, C: c, T: t})
}

// assignCPU runs under the table lock.
func (s *System) assignCPU() int {
	if s.cfg.PinnedCPU >= 0 {
		return s.cfg.PinnedCPU
	}

	cpu := s.nextCPU

	s.nextCPU++
	if s.nextCPU >= len(s.cores) {
		s.nextCPU = 0
	}

	return cpu
}

// Destroy takes a VCPU off its core and frees its slot. No task may still be
// bound to it.
func (s *System) Destroy(i vcpu.Index) error {
	v := s.table.Lookup(i)
	if v == nil {
		return fmt.Errorf("destroy vcpu %d: %w", i, vcpu.ErrNoSuchVCPU)
	}

	c := s.cores[v.CPU()]

	c.mu.Lock()
	c.queue.Remove(v)

	if c.current == v {
		c.current = nil
	}
	c.mu.Unlock()

	if _, err := s.table.Remove(i); err != nil {
		return fmt.Errorf("destroy vcpu %d: %w", i, err)
	}

	s.log.Info("Destroyed vcpu", zap.Int("vcpu", int(i)), zap.Int("pcpu", v.CPU()))

	return nil
}

// Lookup returns the VCPU at i, or nil.
func (s *System) Lookup(i vcpu.Index) *vcpu.VCPU { return s.table.Lookup(i) }

// LowestPriority returns the MAIN VCPU with the longest period.
func (s *System) LowestPriority() vcpu.Index { return s.table.LowestPriority() }

// Core returns the scheduler of physical core i.
func (s *System) Core(i int) *Core { return s.cores[i] }

// NumCPUs returns the number of physical cores.
func (s *System) NumCPUs() int { return len(s.cores) }

// Clock returns the scheduler clock.
func (s *System) Clock() clock.Clock { return s.clk }

// Geometry returns the constants fixed at Init.
func (s *System) Geometry() vcpu.Geometry { return s.geom }
