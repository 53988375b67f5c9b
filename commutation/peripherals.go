// Package commutation brings a set of motors up, runs one control task per motor on the paired
// current samples, and drops every output into a safe state on a fault.
package commutation

import (
	"context"
	"time"

	"go.viam.com/utils"

	"bldc-current-sense/currentsense"
	"bldc-current-sense/drv8301"
)

// PWMChannel is a compare channel of the PWM timer.
type PWMChannel int

// Timer channels. The three phase channels also drive their complementary outputs; the trigger
// channel fires the current conversions.
const (
	ChannelPhaseA  PWMChannel = 1
	ChannelPhaseB  PWMChannel = 2
	ChannelPhaseC  PWMChannel = 3
	ChannelTrigger PWMChannel = 4
)

var allPWMChannels = []PWMChannel{ChannelPhaseA, ChannelPhaseB, ChannelPhaseC, ChannelTrigger}

// PWM is the output stage of one motor. Compare values are in [0, Period()].
type PWM interface {
	Period() uint32
	SetCompare(ctx context.Context, ch PWMChannel, value uint32) error
	Start(ctx context.Context, ch PWMChannel) error
	Stop(ctx context.Context, ch PWMChannel) error
	// FreezeOnDebug makes the timer halt with the core when a debugger stops it.
	FreezeOnDebug(ctx context.Context) error
}

// ConversionHandler receives conversion-complete notifications. It is called from the conversion
// path and must not block.
type ConversionHandler interface {
	HandleConversion(n currentsense.Notification)
}

// ConversionPeripheral is the triggered converter feeding a ConversionHandler.
type ConversionPeripheral interface {
	SetHandler(h ConversionHandler)
	Enable(ctx context.Context, ch currentsense.ChannelID) error
	EnableInterrupt(ctx context.Context, ch currentsense.ChannelID) error
	DisableInterrupt(ctx context.Context, ch currentsense.ChannelID) error
}

// GateDriver configures the power stage of one motor. *drv8301.Driver is a GateDriver.
type GateDriver interface {
	Enable(ctx context.Context) error
	WriteConfig(ctx context.Context, img drv8301.RegisterImage) error
	ReadConfig(ctx context.Context) (drv8301.RegisterImage, error)
}

// Delayer waits during startup.
type Delayer interface {
	Delay(ctx context.Context, d time.Duration) error
}

// ContextDelayer sleeps unless the context ends first.
type ContextDelayer struct{}

// Delay implements Delayer.
func (ContextDelayer) Delay(ctx context.Context, d time.Duration) error {
	if !utils.SelectContextOrWait(ctx, d) {
		return ctx.Err()
	}
	return nil
}

// MotorConfig describes one motor. It is not modified after startup.
type MotorConfig struct {
	ID               currentsense.MotorID
	ShuntConductance float32 // siemens
	MaxCurrent       float32 // amperes
	GateDriver       GateDriver
	Registers        drv8301.RegisterImage
	Channels         currentsense.ChannelPair
	PWM              PWM
}

// OverCurrent reports whether any phase of obs, the inferred phase A included, exceeds the rated
// current. A zero rating disables the check. Controllers use it to limit their demand.
func (c *MotorConfig) OverCurrent(obs currentsense.Observation) bool {
	if c.MaxCurrent <= 0 {
		return false
	}
	limit := currentsense.Amperes(c.MaxCurrent)
	for _, i := range []currentsense.Amperes{obs.PhaseA(), obs.PhaseB, obs.PhaseC} {
		if i > limit || i < -limit {
			return true
		}
	}
	return false
}
