package commutation

import (
	"github.com/pkg/errors"

	"bldc-current-sense/currentsense"
)

// Command is a set of phase compare values.
type Command struct {
	DutyA uint32
	DutyB uint32
	DutyC uint32
}

// Controller turns one observation into a command. Every duty it returns must be within
// [0, period]. It runs on the control task and may keep state between calls.
type Controller interface {
	ComputeCommand(obs currentsense.Observation, cfg *MotorConfig, period uint32) Command
}

// DefaultFixedOffset is the offset the bring-up firmware used.
const DefaultFixedOffset = 400

// FixedOffset holds phase A below and phases B and C above half load, whatever the currents are.
// It is a bring-up placeholder and only safe on gimbal motors.
type FixedOffset struct {
	Offset uint32
}

// ComputeCommand implements Controller.
func (f FixedOffset) ComputeCommand(_ currentsense.Observation, _ *MotorConfig, period uint32) Command {
	half := period / 2
	below := uint32(0)
	if f.Offset < half {
		below = half - f.Offset
	}
	above := half + f.Offset
	if above > period {
		above = period
	}
	return Command{DutyA: below, DutyB: above, DutyC: above}
}

// ErrDutyOutOfRange is returned when a controller breaks the [0, period] contract.
var ErrDutyOutOfRange = errors.New("duty outside the timer compare range")

func (c Command) check(period uint32) error {
	for i, d := range []uint32{c.DutyA, c.DutyB, c.DutyC} {
		if d > period {
			return errors.Wrapf(ErrDutyOutOfRange, "phase %c duty %d above period %d", 'A'+i, d, period)
		}
	}
	return nil
}
