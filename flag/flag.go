package flag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseFrequency parses a rate as number[gGmMkK] with decimal multipliers,
// so "2400m" and "2.4g" are both 2.4 GHz.
func ParseFrequency(s string) (uint64, error) {
	num := strings.TrimRight(s, "gGmMkK")
	if len(num) == 0 || len(s)-len(num) > 1 {
		return 0, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}

	mult := 1.0

	switch s[len(num):] {
	case "G", "g":
		mult = 1e9
	case "M", "m":
		mult = 1e6
	case "K", "k":
		mult = 1e3
	}

	hz := math.Round(f * mult)
	if hz < 1 {
		return 0, fmt.Errorf("%q:frequency below 1 Hz:%w", s, strconv.ErrRange)
	}

	return uint64(hz), nil
}
