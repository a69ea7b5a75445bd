// Package probe inspects the host the simulator runs on.
package probe

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
)

var errNoCPUInfo = errors.New("no cpu information")

// Info describes the host processor.
type Info struct {
	Cores int
	MHz   float64
	Model string
}

// Host returns the logical core count and the nominal clock rate of the
// first processor.
func Host() (Info, error) {
	n, err := cpu.Counts(true)
	if err != nil {
		return Info{}, fmt.Errorf("count cpus: %w", err)
	}

	infos, err := cpu.Info()
	if err != nil {
		return Info{}, fmt.Errorf("read cpu info: %w", err)
	}

	if len(infos) == 0 {
		return Info{}, errNoCPUInfo
	}

	return Info{Cores: n, MHz: infos[0].Mhz, Model: infos[0].ModelName}, nil
}

func (i Info) String() string {
	return fmt.Sprintf("%s, %d cores at %.0f MHz", i.Model, i.Cores, i.MHz)
}
