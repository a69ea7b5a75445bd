// Package clock provides the time sources consumed by the scheduler: a
// free-running cycle counter and a per-core one-shot timer.
package clock

import "time"

// Clock is a monotonic hardware cycle counter.
type Clock interface {
	// Now returns the current counter value in cycles.
	Now() uint64

	// Frequency returns the counter rate in cycles per second. It is
	// calibrated once and never changes afterwards.
	Frequency() uint64
}

// Timer is a per-core one-shot timer. Arming replaces any earlier deadline.
type Timer interface {
	ArmOneshot(cycles uint64)
}

// FromDuration converts d to cycles of c. Negative durations are zero.
func FromDuration(c Clock, d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}

	const nsPerSec = uint64(time.Second)

	ns, f := uint64(d), c.Frequency()

	return ns/nsPerSec*f + ns%nsPerSec*f/nsPerSec
}

// ToDuration converts a cycle count of c to a duration.
func ToDuration(c Clock, cycles uint64) time.Duration {
	f := c.Frequency()

	return time.Duration(cycles/f)*time.Second + time.Duration(cycles%f*uint64(time.Second)/f)
}
