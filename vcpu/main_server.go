package vcpu

// MainServer is the sporadic server state of a MAIN VCPU. The budgets of its
// replenishments always add up to C between scheduling passes.
type MainServer struct {
	q ReplQueue
}

func newMainServer() *MainServer {
	m := &MainServer{}
	m.q.init()

	return m
}

// Queue exposes the replenishment queue.
func (m *MainServer) Queue() *ReplQueue { return &m.q }

// capacity is the unconsumed part of the head replenishment if it is due.
func (m *MainServer) capacity(v *VCPU, now uint64) int64 {
	h := m.q.Head()
	if h == nil || h.Time > now {
		return 0
	}

	return int64(h.Budget) - int64(v.usage)
}

func (m *MainServer) updateReplenishments(v *VCPU, now uint64) {
	if c := m.capacity(v, now); c > 0 {
		v.b = uint64(c)
	} else {
		v.b = 0
	}
}

func (m *MainServer) nextEvent(_ *VCPU, now uint64) uint64 {
	for i := m.q.head; i != noSlot; i = m.q.slots[i].next {
		if now < m.q.slots[i].Time {
			return m.q.slots[i].Time
		}
	}

	return 0
}

// budgetCheck retires fully consumed replenishments, re-adding each one
// period later with the same budget. Any overrun left pushes the head back.
func (m *MainServer) budgetCheck(v *VCPU, now uint64) {
	if m.capacity(v, now) > 0 {
		return
	}

	for h := m.q.Head(); h != nil && h.Budget <= v.usage; h = m.q.Head() {
		v.usage -= h.Budget
		b, t := h.Budget, h.Time
		m.q.Pop()
		m.q.Add(b, t+v.t)
	}

	if v.usage == 0 {
		return
	}

	h := m.q.Head()
	h.Time += v.usage

	if n := m.q.Next(); n != nil && h.Time+h.Budget >= n.Time {
		t, b := h.Time, h.Budget
		m.q.Pop()

		h = m.q.Head()
		h.Budget += b
		h.Time = t
	}
}

// splitCheck runs when the VCPU blocks with part of its head consumed. The
// consumed part becomes a replenishment one period out; the remnant stays at
// the head, or is folded into the next entry when the queue is full.
func (m *MainServer) splitCheck(v *VCPU, now uint64) {
	h := m.q.Head()
	if v.usage == 0 || h == nil || h.Time > now {
		return
	}

	remnant := h.Budget - v.usage

	if m.q.Len() == MaxRepl {
		m.q.Pop()
		m.q.Head().Budget += remnant
	} else {
		h.Budget = remnant
	}

	m.q.Add(v.usage, m.q.Head().Time+v.t)
	v.usage = 0
}

func (m *MainServer) endTimeslice(v *VCPU, now, elapsed uint64) uint64 {
	var overhead uint64

	if v.b < elapsed {
		overhead = elapsed - v.b
		v.schedOverhead = overhead
	}

	v.usage += elapsed
	m.budgetCheck(v, now)

	if !v.runnable {
		m.splitCheck(v, now)
	}

	if c := m.capacity(v, now); c > 0 {
		v.b = uint64(c)
	} else {
		v.b = 0
		v.prevUsage = v.usage
	}

	return overhead
}

// unblock pulls an eligible head up to now and merges following entries that
// would become eligible before the head budget runs out.
func (m *MainServer) unblock(v *VCPU, now uint64) {
	if m.capacity(v, now) <= 0 {
		return
	}

	m.q.Head().Time = now

	for m.q.Len() > 1 {
		b := m.q.Head().Budget
		if m.q.Next().Time > now+b-v.usage {
			break
		}

		m.q.Pop()
		h := m.q.Head()
		h.Budget += b
		h.Time = now
	}
}
