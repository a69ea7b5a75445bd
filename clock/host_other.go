//go:build !linux

package clock

import "time"

var hostEpoch = time.Now()

// Host reads the Go runtime monotonic clock.
type Host struct{}

func (Host) Now() uint64 {
	return uint64(time.Since(hostEpoch)) + 1
}

func (Host) Frequency() uint64 { return 1_000_000_000 }
