package commutation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"bldc-current-sense/currentsense"
)

type handlerRef struct {
	h ConversionHandler
}

type samplerChannel struct {
	analog    board.Analog
	enabled   atomic.Bool
	interrupt atomic.Bool
}

type samplerMotor struct {
	pair  currentsense.ChannelPair
	armed atomic.Bool
}

// TriggeredSampler emulates triggered conversions on a board's analog inputs. Once a motor's
// trigger is armed, every period it reads phase B and then phase C and delivers both to the
// handler in that order, from a single goroutine.
type TriggeredSampler struct {
	period   time.Duration
	channels map[currentsense.ChannelID]*samplerChannel
	motors   []*samplerMotor
	handler  atomic.Pointer[handlerRef]
	logger   logging.Logger

	readErrors atomic.Uint64
	workers    *utils.StoppableWorkers
}

// NewTriggeredSampler returns a sampler for the given motors. analogs must hold a reader for every
// channel named in pairs. Call Start to begin sampling.
func NewTriggeredSampler(
	analogs map[currentsense.ChannelID]board.Analog,
	pairs []currentsense.ChannelPair,
	period time.Duration,
	logger logging.Logger,
) (*TriggeredSampler, error) {
	if period <= 0 {
		return nil, errors.New("trigger period must be positive")
	}
	s := &TriggeredSampler{
		period:   period,
		channels: map[currentsense.ChannelID]*samplerChannel{},
		logger:   logger,
	}
	for i, p := range pairs {
		for _, ch := range []currentsense.ChannelID{p.PhaseB, p.PhaseC} {
			a, ok := analogs[ch]
			if !ok || a == nil {
				return nil, errors.Errorf("motor %d: no analog input for channel %d", i, ch)
			}
			s.channels[ch] = &samplerChannel{analog: a}
		}
		s.motors = append(s.motors, &samplerMotor{pair: p})
	}
	return s, nil
}

// Start launches the sampling goroutine.
func (s *TriggeredSampler) Start() {
	s.workers = utils.NewBackgroundStoppableWorkers(s.sampleLoop)
}

// Close stops sampling.
func (s *TriggeredSampler) Close() {
	if s.workers != nil {
		s.workers.Stop()
	}
}

// SetHandler implements ConversionPeripheral.
func (s *TriggeredSampler) SetHandler(h ConversionHandler) {
	s.handler.Store(&handlerRef{h: h})
}

// Enable implements ConversionPeripheral.
func (s *TriggeredSampler) Enable(_ context.Context, ch currentsense.ChannelID) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}
	c.enabled.Store(true)
	return nil
}

// EnableInterrupt implements ConversionPeripheral.
func (s *TriggeredSampler) EnableInterrupt(_ context.Context, ch currentsense.ChannelID) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}
	c.interrupt.Store(true)
	return nil
}

// DisableInterrupt implements ConversionPeripheral.
func (s *TriggeredSampler) DisableInterrupt(_ context.Context, ch currentsense.ChannelID) error {
	c, err := s.channel(ch)
	if err != nil {
		return err
	}
	c.interrupt.Store(false)
	return nil
}

// Arm starts or stops the conversion trigger of one motor. It is wired to the motor's PWM trigger
// channel.
func (s *TriggeredSampler) Arm(motor currentsense.MotorID, armed bool) {
	if int(motor) < 0 || int(motor) >= len(s.motors) {
		return
	}
	s.motors[motor].armed.Store(armed)
}

// ReadErrors returns how many conversion cycles were skipped because an input could not be read.
func (s *TriggeredSampler) ReadErrors() uint64 {
	return s.readErrors.Load()
}

func (s *TriggeredSampler) channel(ch currentsense.ChannelID) (*samplerChannel, error) {
	c, ok := s.channels[ch]
	if !ok {
		return nil, errors.Errorf("unknown conversion channel %d", ch)
	}
	return c, nil
}

func (s *TriggeredSampler) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ref := s.handler.Load()
		if ref == nil {
			continue
		}
		for _, m := range s.motors {
			if m.armed.Load() {
				s.convert(ctx, m.pair, ref.h)
			}
		}
	}
}

// convert runs one triggered cycle. Both conversions happen before either notification goes out,
// matching channels that sample on the same edge.
func (s *TriggeredSampler) convert(ctx context.Context, pair currentsense.ChannelPair, h ConversionHandler) {
	b, c := s.channels[pair.PhaseB], s.channels[pair.PhaseC]
	if !b.enabled.Load() || !c.enabled.Load() {
		return
	}
	rawB, err := s.read(ctx, b)
	if err != nil {
		s.skip(ctx, pair.PhaseB, err)
		return
	}
	rawC, err := s.read(ctx, c)
	if err != nil {
		s.skip(ctx, pair.PhaseC, err)
		return
	}
	if b.interrupt.Load() {
		h.HandleConversion(currentsense.Notification{Channel: pair.PhaseB, Raw: rawB})
	}
	if c.interrupt.Load() {
		h.HandleConversion(currentsense.Notification{Channel: pair.PhaseC, Raw: rawC})
	}
}

func (s *TriggeredSampler) read(ctx context.Context, c *samplerChannel) (currentsense.RawSample, error) {
	v, err := c.analog.Read(ctx, nil)
	if err != nil {
		return 0, err
	}
	if v.Value < 0 || v.Value >= 1<<currentsense.DefaultBits {
		return 0, errors.Errorf("reading %d outside the %d-bit converter range", v.Value, currentsense.DefaultBits)
	}
	return currentsense.RawSample(v.Value), nil
}

func (s *TriggeredSampler) skip(ctx context.Context, ch currentsense.ChannelID, err error) {
	if ctx.Err() != nil {
		return
	}
	s.readErrors.Add(1)
	s.logger.CWarnf(ctx, "skipping conversion cycle, channel %d: %v", ch, err)
}
