package commutation

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
)

// BoardPWM drives a motor's timer channels through board GPIO pins with hardware PWM.
type BoardPWM struct {
	pins    map[PWMChannel]board.GPIOPin
	period  uint32
	freqHz  uint
	trigger func(armed bool)
	logger  logging.Logger
}

// NewBoardPWM maps every timer channel to a pin. period is the compare range (ARR) and freqHz the
// switching frequency. trigger, if not nil, is told when the conversion trigger channel starts and
// stops.
func NewBoardPWM(
	pins map[PWMChannel]board.GPIOPin,
	period uint32,
	freqHz uint,
	trigger func(armed bool),
	logger logging.Logger,
) (*BoardPWM, error) {
	for _, ch := range allPWMChannels {
		if pins[ch] == nil {
			return nil, errors.Errorf("no pin for PWM channel %d", ch)
		}
	}
	if period == 0 {
		return nil, errors.New("PWM period must be positive")
	}
	if freqHz == 0 {
		return nil, errors.New("PWM frequency must be positive")
	}
	return &BoardPWM{
		pins:    pins,
		period:  period,
		freqHz:  freqHz,
		trigger: trigger,
		logger:  logger,
	}, nil
}

// Period implements PWM.
func (b *BoardPWM) Period() uint32 {
	return b.period
}

// SetCompare implements PWM.
func (b *BoardPWM) SetCompare(ctx context.Context, ch PWMChannel, value uint32) error {
	pin, err := b.pin(ch)
	if err != nil {
		return err
	}
	if value > b.period {
		return errors.Errorf("compare value %d above period %d", value, b.period)
	}
	return pin.SetPWM(ctx, float64(value)/float64(b.period), nil)
}

// Start implements PWM.
func (b *BoardPWM) Start(ctx context.Context, ch PWMChannel) error {
	pin, err := b.pin(ch)
	if err != nil {
		return err
	}
	if err := pin.SetPWMFreq(ctx, b.freqHz, nil); err != nil {
		return err
	}
	if ch == ChannelTrigger && b.trigger != nil {
		b.trigger(true)
	}
	return nil
}

// Stop implements PWM.
func (b *BoardPWM) Stop(ctx context.Context, ch PWMChannel) error {
	pin, err := b.pin(ch)
	if err != nil {
		return err
	}
	if ch == ChannelTrigger && b.trigger != nil {
		b.trigger(false)
	}
	return pin.SetPWM(ctx, 0, nil)
}

// FreezeOnDebug implements PWM. A board driven from a host process has no debug halt to follow.
func (b *BoardPWM) FreezeOnDebug(ctx context.Context) error {
	b.logger.CDebugf(ctx, "no debug freeze on a host driven board PWM")
	return nil
}

func (b *BoardPWM) pin(ch PWMChannel) (board.GPIOPin, error) {
	pin, ok := b.pins[ch]
	if !ok {
		return nil, errors.Errorf("unknown PWM channel %d", ch)
	}
	return pin, nil
}
