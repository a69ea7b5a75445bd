package sched

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govcpu/vcpu"
)

var errInvariant = errors.New("invariant violated")

// CheckInvariants verifies the queue and budget invariants of c.
func (c *Core) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.checkInvariants()
}

func (c *Core) checkInvariants() error {
	if c.current != nil && !c.current.Running() {
		return fmt.Errorf("%w: current %v is not running", errInvariant, c.current)
	}

	var err error

	c.sys.table.Each(func(v *vcpu.VCPU) bool {
		if v.CPU() != c.id {
			return true
		}

		if v.Running() && v != c.current {
			err = fmt.Errorf("%w: %v is running but not current", errInvariant, v)

			return false
		}

		if v.Runnable() != c.queue.Contains(v) {
			err = fmt.Errorf("%w: %v runnable=%t but queued=%t",
				errInvariant, v, v.Runnable(), c.queue.Contains(v))

			return false
		}

		if v.Type() != vcpu.Main {
			return true
		}

		q := v.Main().Queue()
		if sum := q.Sum(); sum != v.C() {
			err = fmt.Errorf("%w: %v replenishments sum to %d, want %d", errInvariant, v, sum, v.C())

			return false
		}

		if h := q.Head(); h != nil && v.Usage() >= h.Budget {
			err = fmt.Errorf("%w: %v usage %d reaches head budget %d", errInvariant, v, v.Usage(), h.Budget)

			return false
		}

		return true
	})

	return err
}
