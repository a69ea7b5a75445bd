package sched

import (
	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/vcpu"
)

// CoreStats is the accounting of one core over a stats window.
type CoreStats struct {
	CPU int
	// Idle is the time spent without a VCPU, in cycles.
	Idle uint64
	// Overhead is the last overrun past a VCPU budget; OverheadTotal adds
	// up every overrun.
	Overhead      uint64
	OverheadTotal uint64
	// SchedTime is the profiler time spent in scheduling passes.
	SchedTime uint64
	Passes    uint64
}

// VCPUStats is the accounting of one VCPU over a stats window.
type VCPUStats struct {
	Index          vcpu.Index
	CPU            int
	Type           vcpu.Type
	C, T           uint64
	Counted        uint64
	Budget         uint64
	Usage          uint64
	PrevUsage      uint64
	SchedOverhead  uint64
	Replenishments int
	Runnable       bool
	Running        bool
	Queued         int
}

// Stats is a snapshot taken by DumpStats.
type Stats struct {
	// Window is the length of the stats window in cycles.
	Window uint64
	Cores  []CoreStats
	VCPUs  []VCPUStats
}

// DumpStats reports per-core and per-VCPU accounting since the previous
// call and starts a new window.
func (s *System) DumpStats() Stats {
	now := s.clk.Now()
	st := Stats{Window: now - s.statsStart}
	s.statsStart = now

	for _, c := range s.cores {
		c.mu.Lock()

		if c.current == nil && c.idlePrev != 0 {
			c.idleTime += now - c.idlePrev
			c.idlePrev = now
		}

		st.Cores = append(st.Cores, CoreStats{
			CPU:           c.id,
			Idle:          c.idleTime,
			Overhead:      c.overhead,
			OverheadTotal: c.overheadTotal,
			SchedTime:     c.schedTime,
			Passes:        c.passes,
		})
		c.idleTime = 0
		c.schedTime = 0
		c.passes = 0

		c.mu.Unlock()
	}

	s.table.Each(func(v *vcpu.VCPU) bool {
		c := s.cores[v.CPU()]

		c.mu.Lock()
		vs := VCPUStats{
			Index:         v.Index(),
			CPU:           v.CPU(),
			Type:          v.Type(),
			C:             v.C(),
			T:             v.T(),
			Counted:       v.TakeCounted(),
			Budget:        v.Budget(),
			Usage:         v.Usage(),
			PrevUsage:     v.PrevUsage(),
			SchedOverhead: v.SchedOverhead(),
			Runnable:      v.Runnable(),
			Running:       v.Running(),
			Queued:        len(v.Runqueue()),
		}

		if v.Type() == vcpu.Main {
			vs.Replenishments = v.Main().Queue().Len()
		}
		c.mu.Unlock()

		st.VCPUs = append(st.VCPUs, vs)

		return true
	})

	s.logStats(st)

	return st
}

func pct(part, whole uint64) uint64 {
	if whole == 0 {
		return 0
	}

	return part * 100 / whole
}

func (s *System) logStats(st Stats) {
	for _, c := range st.Cores {
		s.log.Info("Core stats",
			zap.Int("pcpu", c.CPU),
			zap.Uint64("idle_pct", pct(c.Idle, st.Window)),
			zap.Uint64("overhead", c.Overhead),
			zap.Uint64("sched_time", c.SchedTime),
			zap.Uint64("passes", c.Passes),
		)
	}

	for _, v := range st.VCPUs {
		s.log.Info("VCPU stats",
			zap.Int("vcpu", int(v.Index)),
			zap.Int("pcpu", v.CPU),
			zap.Stringer("type", v.Type),
			zap.Uint64("used_pct", pct(v.Counted, st.Window)),
			zap.Uint64("budget", v.Budget),
			zap.Uint64("usage", v.Usage),
			zap.Int("replenishments", v.Replenishments),
		)
	}
}
