// Package drv8301 talks to a TI DRV8301 three-phase gate driver over SPI and keeps a host-side
// shadow of its control registers.
package drv8301

import (
	"fmt"

	"github.com/pkg/errors"
)

// Gain is the current-sense amplifier gain setting held in control register 2.
type Gain uint8

// Shunt amplifier gains, in register code order.
const (
	Gain10VpV Gain = iota
	Gain20VpV
	Gain40VpV
	Gain80VpV
)

// Reverse returns the reciprocal of the amplifier gain. An out of range gain means the shadow was
// corrupted and there is no safe value to hand back.
func (g Gain) Reverse() float32 {
	switch g {
	case Gain10VpV:
		return 1.0 / 10.0
	case Gain20VpV:
		return 1.0 / 20.0
	case Gain40VpV:
		return 1.0 / 40.0
	case Gain80VpV:
		return 1.0 / 80.0
	default:
		panic(fmt.Sprintf("drv8301: invalid shunt amplifier gain code %d", uint8(g)))
	}
}

// VoltsPerVolt returns the amplifier gain as a plain number.
func (g Gain) VoltsPerVolt() int {
	return 10 << g
}

func (g Gain) String() string {
	if g > Gain80VpV {
		return fmt.Sprintf("Gain(%d)", uint8(g))
	}
	return fmt.Sprintf("%dV/V", g.VoltsPerVolt())
}

// ParseGain converts a configured gain in V/V (10, 20, 40 or 80) to its register code.
func ParseGain(voltsPerVolt int) (Gain, error) {
	switch voltsPerVolt {
	case 10:
		return Gain10VpV, nil
	case 20:
		return Gain20VpV, nil
	case 40:
		return Gain40VpV, nil
	case 80:
		return Gain80VpV, nil
	default:
		return 0, errors.Errorf("shunt amplifier gain must be 10, 20, 40 or 80 V/V, got %d", voltsPerVolt)
	}
}
