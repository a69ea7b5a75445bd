package vcpu

// IOServer is the state of an IO VCPU. Its utilisation is Unum/Uden and a
// single pending replenishment R becomes due at the eligibility time E.
type IOServer struct {
	Unum, Uden uint64
	E          uint64
	R          Replenishment
	Budgeted   bool
	Class      Class
}

// cmax is one period worth of budget at the server's utilisation.
func (s *IOServer) cmax(v *VCPU) uint64 {
	return v.t * s.Unum / s.Uden
}

func (s *IOServer) updateReplenishments(v *VCPU, now uint64) {
	if s.R.Time != 0 && s.R.Time <= now {
		v.b = s.R.Budget
		s.R.Time = 0
	}
}

func (s *IOServer) nextEvent(_ *VCPU, _ uint64) uint64 {
	return s.R.Time
}

func (s *IOServer) endTimeslice(v *VCPU, _, elapsed uint64) uint64 {
	var overhead uint64

	u := elapsed
	if v.b < elapsed {
		u = v.b
		overhead = elapsed - v.b
		v.schedOverhead = overhead
	}

	v.b -= u
	v.usage += elapsed

	if v.runnable && v.b > 0 {
		return overhead
	}

	// Blocked or exhausted: eligibility advances in proportion to usage.
	s.E += v.usage * s.Uden / s.Unum

	if s.R.Time == 0 {
		s.R.Budget = s.cmax(v)
	}

	s.R.Time = s.E

	v.prevUsage = v.usage
	v.usage = 0
	v.b = 0

	if !v.runnable {
		s.Budgeted = false
	}

	return overhead
}

func (s *IOServer) unblock(v *VCPU, now uint64) {
	if !s.Budgeted && s.E < now {
		s.E = now
	}

	if s.R.Time == 0 {
		if !s.Budgeted {
			s.R.Time = s.E
			s.R.Budget = s.cmax(v)
		}
	} else {
		s.R.Budget = s.cmax(v)
	}

	s.Budgeted = true
}
