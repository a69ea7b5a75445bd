package vcpu

import (
	"fmt"

	"github.com/bobuhiro11/govcpu/migration"
)

// ExportState snapshots the budget bookkeeping of v.
func (v *VCPU) ExportState() migration.VCPUState {
	v.Lock()
	defer v.Unlock()

	st := migration.VCPUState{
		Type:  int(v.typ),
		C:     v.c,
		T:     v.t,
		RawC:  v.rawC,
		RawT:  v.rawT,
		B:     v.b,
		Usage: v.usage,
	}

	if v.main != nil {
		for _, r := range v.main.q.Entries() {
			st.Replenishments = append(st.Replenishments, migration.Replenishment(r))
		}
	}

	if v.io != nil {
		st.IO = &migration.IOState{
			Unum:     v.io.Unum,
			Uden:     v.io.Uden,
			E:        v.io.E,
			R:        migration.Replenishment(v.io.R),
			Budgeted: v.io.Budgeted,
			Class:    uint32(v.io.Class),
		}
	}

	return st
}

// shift moves a source timestamp onto the local counter. Times that would
// land at or before zero become due immediately.
func shift(t uint64, offset int64) uint64 {
	if t == 0 {
		return 0
	}

	s := int64(t) + offset
	if s <= 0 {
		return 1
	}

	return uint64(s)
}

// ImportState replaces the budget bookkeeping of v with st. offset is added
// to every source timestamp to translate it to the local counter. v must
// have the same type, C and T as the VCPU st was taken from, and must not
// have tasks bound to it.
func (v *VCPU) ImportState(st migration.VCPUState, offset int64) error {
	v.Lock()
	defer v.Unlock()

	if Type(st.Type) != v.typ || st.C != v.c || st.T != v.t {
		return fmt.Errorf("%w: C=%d T=%d, local C=%d T=%d", ErrIncompatible, st.C, st.T, v.c, v.t)
	}

	if err := v.checkState(st, offset); err != nil {
		return err
	}

	switch v.typ {
	case Main:
		v.main.q.Clear()

		for _, r := range st.Replenishments {
			v.main.q.Add(r.Budget, shift(r.Time, offset))
		}
	case IO:
		v.io.Unum, v.io.Uden = st.IO.Unum, st.IO.Uden
		v.io.E = shift(st.IO.E, offset)
		v.io.R = Replenishment{Budget: st.IO.R.Budget, Time: shift(st.IO.R.Time, offset)}
		v.io.Budgeted = st.IO.Budgeted
		v.io.Class = Class(st.IO.Class)
	}

	v.b = st.B
	v.usage = st.Usage

	return nil
}

// checkState rejects imported state that v could not run with. v is left
// untouched.
func (v *VCPU) checkState(st migration.VCPUState, offset int64) error {
	switch v.typ {
	case Main:
		rs := st.Replenishments

		if len(rs) == 0 || len(rs) > MaxRepl {
			return fmt.Errorf("%w: %d replenishments", ErrBudgetMismatch, len(rs))
		}

		var sum uint64

		// head is the entry the queue will start with once shifted: an added
		// entry goes before others with the same time.
		head := Replenishment{Budget: rs[0].Budget, Time: shift(rs[0].Time, offset)}

		for i, r := range rs {
			if r.Time == 0 {
				return fmt.Errorf("%w: replenishment %d at time zero", ErrBudgetMismatch, i)
			}

			if t := shift(r.Time, offset); t <= head.Time {
				head = Replenishment{Budget: r.Budget, Time: t}
			}

			sum += r.Budget
		}

		if sum != v.c {
			return fmt.Errorf("%w: sum=%d C=%d", ErrBudgetMismatch, sum, v.c)
		}

		if st.Usage != 0 && st.Usage >= head.Budget {
			return fmt.Errorf("%w: usage %d not below head budget %d", ErrBudgetMismatch, st.Usage, head.Budget)
		}

		if st.B > v.c {
			return fmt.Errorf("%w: budget %d above C=%d", ErrBudgetMismatch, st.B, v.c)
		}
	case IO:
		if st.IO == nil {
			return fmt.Errorf("%w: missing io state", ErrIncompatible)
		}

		if st.IO.Unum == 0 || st.IO.Uden == 0 || st.IO.Unum != v.rawC || st.IO.Uden != v.rawT {
			return fmt.Errorf("%w: utilisation %d/%d, local %d/%d",
				ErrIncompatible, st.IO.Unum, st.IO.Uden, v.rawC, v.rawT)
		}
	}

	return nil
}
