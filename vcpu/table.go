package vcpu

import "sync"

// MaxVCPUs is the size of the VCPU table.
const MaxVCPUs = 100

// Table maps indices to VCPUs. Slots are reused after Remove.
type Table struct {
	mu    sync.RWMutex
	slots [MaxVCPUs]*VCPU
	max   Index
	n     int
}

// Create builds a VCPU in the lowest free slot. cpu is asked for the owning
// core only once a slot has been found.
func (t *Table) Create(p Params, cpu func() int, g Geometry) (*VCPU, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := None

	for j := range t.slots {
		if t.slots[j] == nil {
			i = Index(j)

			break
		}
	}

	if i == None {
		return nil, ErrNoFreeSlot
	}

	v, err := New(p, cpu(), g)
	if err != nil {
		return nil, err
	}

	v.index = i
	t.slots[i] = v
	t.n++

	if t.max < i+1 {
		t.max = i + 1
	}

	return v, nil
}

// Lookup returns the VCPU at i, or nil.
func (t *Table) Lookup(i Index) *VCPU {
	if i < 0 || i >= MaxVCPUs {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.slots[i]
}

// Remove clears slot i and returns what it held.
func (t *Table) Remove(i Index) (*VCPU, error) {
	if i < 0 || i >= MaxVCPUs {
		return nil, ErrNoSuchVCPU
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.slots[i]
	if v == nil {
		return nil, ErrNoSuchVCPU
	}

	t.slots[i] = nil
	t.n--

	return v, nil
}

// Len returns the number of live VCPUs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.n
}

// Each visits live VCPUs in index order until fn returns false.
func (t *Table) Each(fn func(v *VCPU) bool) {
	t.mu.RLock()
	vs := make([]*VCPU, 0, t.n)

	for i := Index(0); i < t.max; i++ {
		if t.slots[i] != nil {
			vs = append(vs, t.slots[i])
		}
	}
	t.mu.RUnlock()

	for _, v := range vs {
		if !fn(v) {
			return
		}
	}
}

// LowestPriority returns the MAIN VCPU with the longest period; the highest
// index wins ties. It returns 0 when there is no MAIN VCPU.
func (t *Table) LowestPriority() Index {
	var (
		n     Index
		longT uint64
	)

	t.Each(func(v *VCPU) bool {
		if v.typ == Main && v.t >= longT {
			longT = v.t
			n = v.index
		}

		return true
	})

	return n
}

// SelectIO picks the IO VCPU sharing the most classes with class. Among
// equally good matches the highest index wins, so any IO VCPU is preferred
// over the fallback. The lowest priority MAIN VCPU is returned only when no
// IO VCPU exists.
func (t *Table) SelectIO(class Class) Index {
	idx := t.LowestPriority()
	matches := 0

	t.Each(func(v *VCPU) bool {
		if v.typ != IO {
			return true
		}

		if m := v.io.Class.Matches(class); m >= matches {
			idx = v.index
			matches = m
		}

		return true
	})

	return idx
}
