package commutation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"bldc-current-sense/currentsense"
	"bldc-current-sense/drv8301"
)

// Startup defaults.
const (
	DefaultGateSettle       = 1000 * time.Millisecond
	DefaultConversionSettle = 2 * time.Millisecond
)

// ErrConfigMismatch means a gate driver did not read back the configuration written to it.
var ErrConfigMismatch = errors.New("gate driver configuration readback mismatch")

// StartupConfig tunes the startup sequence. Zero values select the defaults.
type StartupConfig struct {
	GateSettle       time.Duration
	ConversionSettle time.Duration
	MailboxCapacity  int
}

// Pipeline is everything the startup sequence built.
type Pipeline struct {
	Motors       []*MotorConfig
	Shadows      []drv8301.Shadow
	Mailboxes    []*currentsense.Mailbox
	Decoder      *currentsense.Decoder
	Synchronizer *currentsense.Synchronizer
}

// Sequencer runs the one-shot bring-up of every motor. Any failure faults the drive; nothing is
// retried.
type Sequencer struct {
	motors []*MotorConfig
	conv   ConversionPeripheral
	delay  Delayer
	cfg    StartupConfig
	sup    *Supervisor
	logger logging.Logger
}

// NewSequencer returns a sequencer. motors[i].ID must be i.
func NewSequencer(
	motors []*MotorConfig,
	conv ConversionPeripheral,
	delay Delayer,
	cfg StartupConfig,
	sup *Supervisor,
	logger logging.Logger,
) *Sequencer {
	if cfg.GateSettle == 0 {
		cfg.GateSettle = DefaultGateSettle
	}
	if cfg.ConversionSettle == 0 {
		cfg.ConversionSettle = DefaultConversionSettle
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = currentsense.DefaultMailboxCapacity
	}
	return &Sequencer{
		motors: motors,
		conv:   conv,
		delay:  delay,
		cfg:    cfg,
		sup:    sup,
		logger: logger,
	}
}

// Run brings the drive up:
//  1. allocate a mailbox per motor
//  2. enable, configure and verify every gate driver
//  3. let the gate drivers power up
//  4. enable the conversion channels, then their interrupts
//  5. freeze the timers on debug halt
//  6. set every phase to half load and start the outputs and the conversion trigger
func (s *Sequencer) Run(ctx context.Context) (*Pipeline, error) {
	p, err := s.run(ctx)
	if err != nil {
		s.sup.Fault(err)
		return nil, err
	}
	if err := s.sup.MarkRunning(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Sequencer) run(ctx context.Context) (*Pipeline, error) {
	if len(s.motors) == 0 {
		return nil, errors.New("no motors configured")
	}
	for i, m := range s.motors {
		if int(m.ID) != i {
			return nil, errors.Errorf("motor at index %d has id %d", i, m.ID)
		}
	}

	p := &Pipeline{
		Motors:    s.motors,
		Shadows:   make([]drv8301.Shadow, len(s.motors)),
		Mailboxes: make([]*currentsense.Mailbox, len(s.motors)),
	}
	for i, m := range s.motors {
		p.Mailboxes[i] = currentsense.NewMailbox(m.ID, s.cfg.MailboxCapacity)
	}

	for i, m := range s.motors {
		if err := s.setupGateDriver(ctx, m, &p.Shadows[i]); err != nil {
			return nil, err
		}
	}

	if err := s.delay.Delay(ctx, s.cfg.GateSettle); err != nil {
		return nil, errors.Wrap(err, "waiting for gate drivers to power up")
	}

	cals := make([]currentsense.Calibration, len(s.motors))
	pairs := make([]currentsense.ChannelPair, len(s.motors))
	sinks := make([]currentsense.Sink, len(s.motors))
	for i, m := range s.motors {
		cals[i] = currentsense.NewCalibration(p.Shadows[i].Gain().Reverse(), m.ShuntConductance)
		pairs[i] = m.Channels
		sinks[i] = p.Mailboxes[i]
	}
	p.Decoder = currentsense.NewDecoder(cals...)
	synchronizer, err := currentsense.NewSynchronizer(p.Decoder, pairs, sinks, s.sup.Fault)
	if err != nil {
		return nil, err
	}
	p.Synchronizer = synchronizer
	s.conv.SetHandler(synchronizer)

	if err := s.startConversions(ctx); err != nil {
		return nil, err
	}
	if err := s.startPWM(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Sequencer) setupGateDriver(ctx context.Context, m *MotorConfig, shadow *drv8301.Shadow) error {
	if err := m.GateDriver.Enable(ctx); err != nil {
		return errors.Wrapf(err, "motor %d: enabling gate driver", m.ID)
	}

	shadow.Image = m.Registers
	shadow.SndCmd = true
	if err := m.GateDriver.WriteConfig(ctx, shadow.Image); err != nil {
		return errors.Wrapf(err, "motor %d: configuring gate driver", m.ID)
	}
	shadow.SndCmd = false

	shadow.RcvCmd = true
	got, err := m.GateDriver.ReadConfig(ctx)
	if err != nil {
		return errors.Wrapf(err, "motor %d: reading back gate driver configuration", m.ID)
	}
	shadow.RcvCmd = false
	if !got.Equal(shadow.Image) {
		return errors.Wrapf(ErrConfigMismatch, "motor %d: wrote %s, read %s", m.ID, shadow.Image, got)
	}
	s.logger.CInfof(ctx, "motor %d gate driver configured: %s", m.ID, shadow.Image)
	return nil
}

func (s *Sequencer) startConversions(ctx context.Context) error {
	for _, m := range s.motors {
		for _, ch := range []currentsense.ChannelID{m.Channels.PhaseB, m.Channels.PhaseC} {
			if err := s.conv.Enable(ctx, ch); err != nil {
				return errors.Wrapf(err, "motor %d: enabling conversion channel %d", m.ID, ch)
			}
		}
	}
	if err := s.delay.Delay(ctx, s.cfg.ConversionSettle); err != nil {
		return errors.Wrap(err, "waiting for converters to settle")
	}
	for _, m := range s.motors {
		for _, ch := range []currentsense.ChannelID{m.Channels.PhaseB, m.Channels.PhaseC} {
			if err := s.conv.EnableInterrupt(ctx, ch); err != nil {
				return errors.Wrapf(err, "motor %d: enabling conversion interrupt %d", m.ID, ch)
			}
		}
	}
	return nil
}

func (s *Sequencer) startPWM(ctx context.Context) error {
	for _, m := range s.motors {
		if err := m.PWM.FreezeOnDebug(ctx); err != nil {
			return errors.Wrapf(err, "motor %d: freezing PWM on debug halt", m.ID)
		}
	}
	for _, m := range s.motors {
		half := m.PWM.Period() / 2
		for _, ch := range []PWMChannel{ChannelPhaseA, ChannelPhaseB, ChannelPhaseC} {
			if err := m.PWM.SetCompare(ctx, ch, half); err != nil {
				return errors.Wrapf(err, "motor %d: setting channel %d to half load", m.ID, ch)
			}
		}
		for _, ch := range []PWMChannel{ChannelPhaseA, ChannelPhaseB, ChannelPhaseC} {
			if err := m.PWM.Start(ctx, ch); err != nil {
				return errors.Wrapf(err, "motor %d: starting channel %d", m.ID, ch)
			}
		}
		if err := m.PWM.SetCompare(ctx, ChannelTrigger, 1); err != nil {
			return errors.Wrapf(err, "motor %d: setting conversion trigger", m.ID)
		}
		if err := m.PWM.Start(ctx, ChannelTrigger); err != nil {
			return errors.Wrapf(err, "motor %d: starting conversion trigger", m.ID)
		}
	}
	return nil
}
