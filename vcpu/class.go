package vcpu

import (
	"fmt"
	"math/bits"
	"strings"
)

// Class is a bitmask of device classes served by an IO VCPU.
type Class uint32

const (
	ClassUSB Class = 1 << iota
	ClassATA
	ClassNET
	ClassGPIO
)

var classNames = []struct {
	c    Class
	name string
}{
	{ClassUSB, "usb"},
	{ClassATA, "ata"},
	{ClassNET, "net"},
	{ClassGPIO, "gpio"},
}

// ParseClass turns a list of class names into a mask.
func ParseClass(names []string) (Class, error) {
	var c Class

next:
	for _, n := range names {
		for _, cn := range classNames {
			if strings.EqualFold(n, cn.name) {
				c |= cn.c

				continue next
			}
		}

		return 0, fmt.Errorf("%w: unknown io class %q", ErrInvalidParams, n)
	}

	return c, nil
}

// Matches counts the classes c shares with other.
func (c Class) Matches(other Class) int {
	return bits.OnesCount32(uint32(c & other))
}

func (c Class) String() string {
	var names []string

	for _, cn := range classNames {
		if c&cn.c != 0 {
			names = append(names, cn.name)
		}
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}
