package spi

import (
	"github.com/pkg/errors"
)

const (
	maxDividerN        = 255
	maxDividerExponent = 3
)

// DividerFromBase picks the fastest bit rate of the form baseHz / (2 * (n+1) * 2^N), with n in
// [0, 255] and N in [0, 3], that does not exceed maxHz. The returned Value encodes N in bits 8-9
// and n in bits 0-7.
func DividerFromBase(baseHz, maxHz uint32) (ClockDivider, error) {
	if baseHz == 0 {
		return ClockDivider{}, errors.New("base clock must be non-zero")
	}
	if maxHz == 0 {
		return ClockDivider{}, errors.New("maximum clock must be non-zero")
	}

	for exp := uint64(0); exp <= maxDividerExponent; exp++ {
		scale := uint64(2) << exp
		denom := scale * uint64(maxHz)
		// n+1 = ceil(base / (scale * max))
		n := (uint64(baseHz)+denom-1)/denom - 1
		if n > maxDividerN {
			continue
		}
		return ClockDivider{
			Value: uint32(exp<<8 | n),
			Hz:    uint32(uint64(baseHz) / (scale * (n + 1))),
		}, nil
	}

	minHz := uint64(baseHz) / ((uint64(2) << maxDividerExponent) * (maxDividerN + 1))
	return ClockDivider{}, errors.Errorf(
		"requested clock of %d Hz is below the slowest rate (%d Hz) reachable from a %d Hz base", maxHz, minHz, baseHz)
}
