package drv8301

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Register addresses.
const (
	regStatus1  = 0x00
	regStatus2  = 0x01
	regControl1 = 0x02
	regControl2 = 0x03
)

const (
	frameRead  = 1 << 15
	frameFault = 1 << 15
	addrShift  = 11
	addrMask   = 0x0F
	dataMask   = 0x07FF
)

// OCMode selects how the driver reacts to an overcurrent event.
type OCMode uint8

// Overcurrent modes.
const (
	OCModeCurrentLimit OCMode = iota
	OCModeLatchShutDown
	OCModeReportOnly
	OCModeDisabled
)

var ocModeNames = map[string]OCMode{
	"current_limit":  OCModeCurrentLimit,
	"latch_shutdown": OCModeLatchShutDown,
	"report_only":    OCModeReportOnly,
	"disabled":       OCModeDisabled,
}

// ParseOCMode maps a config string to an overcurrent mode.
func ParseOCMode(name string) (OCMode, error) {
	mode, ok := ocModeNames[name]
	if !ok {
		return 0, errors.Errorf(
			"oc_mode must be one of current_limit, latch_shutdown, report_only or disabled, got %q", name)
	}
	return mode, nil
}

// VdsLevel is the OC_ADJ_SET code for the drain-source overcurrent trip voltage.
type VdsLevel uint8

// vdsVolts indexes trip voltages by OC_ADJ_SET code.
var vdsVolts = [32]float64{
	0.060, 0.068, 0.076, 0.086, 0.097, 0.109, 0.123, 0.138,
	0.155, 0.175, 0.197, 0.222, 0.250, 0.282, 0.317, 0.358,
	0.403, 0.454, 0.511, 0.576, 0.648, 0.730, 0.822, 0.926,
	1.043, 1.175, 1.324, 1.491, 1.679, 1.892, 2.131, 2.400,
}

// VdsLevel0p730V trips at roughly 150A on a 500uOhm shunt at 100 degC.
const VdsLevel0p730V VdsLevel = 21

// Volts returns the trip voltage for the level.
func (v VdsLevel) Volts() float64 {
	return vdsVolts[v&0x1F]
}

// ParseVdsLevel finds the OC_ADJ_SET code whose trip voltage matches volts to the millivolt.
func ParseVdsLevel(volts float64) (VdsLevel, error) {
	for code, v := range vdsVolts {
		if math.Abs(v-volts) < 0.0005 {
			return VdsLevel(code), nil
		}
	}
	return 0, errors.Errorf("%.3fV is not a DRV8301 overcurrent trip level", volts)
}

// Control1 mirrors control register 1.
type Control1 struct {
	GateCurrent uint8 // 0=1.7A, 1=0.7A, 2=0.25A
	GateReset   bool
	ThreePWM    bool // false selects 6 independent PWM inputs
	OCMode      OCMode
	OCAdjSet    VdsLevel
}

func (c Control1) encode() uint16 {
	v := uint16(c.GateCurrent & 0x3)
	if c.GateReset {
		v |= 1 << 2
	}
	if c.ThreePWM {
		v |= 1 << 3
	}
	v |= uint16(c.OCMode&0x3) << 4
	v |= uint16(c.OCAdjSet&0x1F) << 6
	return v
}

func decodeControl1(v uint16) Control1 {
	return Control1{
		GateCurrent: uint8(v & 0x3),
		GateReset:   v&(1<<2) != 0,
		ThreePWM:    v&(1<<3) != 0,
		OCMode:      OCMode((v >> 4) & 0x3),
		OCAdjSet:    VdsLevel((v >> 6) & 0x1F),
	}
}

// Control2 mirrors control register 2.
type Control2 struct {
	OCTWMode uint8
	Gain     Gain
	DCCalCh1 bool
	DCCalCh2 bool
	OCToff   bool
}

func (c Control2) encode() uint16 {
	v := uint16(c.OCTWMode & 0x3)
	v |= uint16(c.Gain&0x3) << 2
	if c.DCCalCh1 {
		v |= 1 << 4
	}
	if c.DCCalCh2 {
		v |= 1 << 5
	}
	if c.OCToff {
		v |= 1 << 6
	}
	return v
}

func decodeControl2(v uint16) Control2 {
	return Control2{
		OCTWMode: uint8(v & 0x3),
		Gain:     Gain((v >> 2) & 0x3),
		DCCalCh1: v&(1<<4) != 0,
		DCCalCh2: v&(1<<5) != 0,
		OCToff:   v&(1<<6) != 0,
	}
}

// RegisterImage is the writable configuration of the chip.
type RegisterImage struct {
	Control1 Control1
	Control2 Control2
}

// Equal compares the parts of two images that survive a readback. GATE_RESET self-clears, so it is
// ignored.
func (r RegisterImage) Equal(other RegisterImage) bool {
	a, b := r.Control1, other.Control1
	a.GateReset, b.GateReset = false, false
	return a == b && r.Control2 == other.Control2
}

func (r RegisterImage) String() string {
	return fmt.Sprintf("ctrl1=0x%03x ctrl2=0x%03x (gain %s, oc mode %d, vds %.3fV)",
		r.Control1.encode(), r.Control2.encode(), r.Control2.Gain, r.Control1.OCMode, r.Control1.OCAdjSet.Volts())
}

// Shadow is the host view of one driver's registers plus pending command flags. It is written
// while starting up and only read afterwards.
type Shadow struct {
	Image  RegisterImage
	SndCmd bool
	RcvCmd bool
}

// Gain returns the shunt amplifier gain the chip was configured with.
func (s *Shadow) Gain() Gain {
	return s.Image.Control2.Gain
}

func writeFrame(addr uint8, data uint16) uint16 {
	return uint16(addr&addrMask)<<addrShift | data&dataMask
}

func readFrame(addr uint8) uint16 {
	return frameRead | uint16(addr&addrMask)<<addrShift
}
