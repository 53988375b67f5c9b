//go:build linux

// Package bldc implements a brushless motor drive built from DRV8301 gate drivers, board analog
// inputs sampling two phase currents and board PWM pins.
package bldc

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"bldc-current-sense/commutation"
	"bldc-current-sense/currentsense"
	"bldc-current-sense/drv8301"
)

// Model for the DRV8301 current sensing drive.
var Model = resource.NewModel("viam", "bldc", "drv8301-current-sense")

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newDrive,
	})
}

// Defaults.
const (
	defaultPWMFreqHz        = 1000
	defaultPWMPeriod        = 3500
	defaultWatchdogPeriods  = 100
	defaultShuntConductance = 1.0 / 0.0005
	defaultMaxCurrent       = 75
	defaultShuntAmpGain     = 40
	defaultOCMode           = "latch_shutdown"
	defaultOCTripVolts      = 0.730
)

// A Drive runs the current sensing and commutation pipeline for one or more motors.
type Drive struct {
	resource.Named
	resource.AlwaysRebuild
	logger   logging.Logger
	sup      *commutation.Supervisor
	sampler  *commutation.TriggeredSampler
	drivers  []*drv8301.Driver
	pipeline *commutation.Pipeline
	tasks    []*commutation.Task
	workers  *utils.StoppableWorkers
}

func newDrive(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}
	bus := buses.NewSpiBus(conf.SPIBus)
	return makeDrive(ctx, b, *conf, c.ResourceName(), logger, bus, commutation.ContextDelayer{})
}

func applyDefaults(ctx context.Context, c *Config, logger logging.Logger) {
	if c.PWMFreqHz == 0 {
		logger.CWarnf(ctx, "pwm_freq_hz not set, setting to %d", defaultPWMFreqHz)
		c.PWMFreqHz = defaultPWMFreqHz
	}
	if c.PWMPeriod == 0 {
		c.PWMPeriod = defaultPWMPeriod
	}
	if c.WatchdogPeriods == 0 {
		c.WatchdogPeriods = defaultWatchdogPeriods
	}
	if c.ControlOffset == nil {
		offset := uint32(commutation.DefaultFixedOffset)
		c.ControlOffset = &offset
	}
	for i := range c.Motors {
		m := &c.Motors[i]
		if m.ShuntConductance == 0 {
			m.ShuntConductance = defaultShuntConductance
		}
		if m.MaxCurrent == 0 {
			m.MaxCurrent = defaultMaxCurrent
		}
		if m.ShuntAmpGain == 0 {
			m.ShuntAmpGain = defaultShuntAmpGain
		}
		if m.OCMode == "" {
			m.OCMode = defaultOCMode
		}
		if m.OCTripVolts == 0 {
			m.OCTripVolts = defaultOCTripVolts
		}
	}
}

// makeDrive is separate from newDrive so tests can inject the board, SPI bus and delays.
func makeDrive(
	ctx context.Context,
	b board.Board,
	c Config,
	name resource.Name,
	logger logging.Logger,
	bus buses.SPI,
	delay commutation.Delayer,
) (*Drive, error) {
	applyDefaults(ctx, &c, logger)

	var enGate board.GPIOPin
	if c.EnableGatePin != "" {
		pin, err := b.GPIOPinByName(c.EnableGatePin)
		if err != nil {
			return nil, err
		}
		enGate = pin
	} else {
		logger.CWarn(ctx, "en_gate_pin not set, gate drivers must already be powered")
	}

	triggerPeriod := time.Second / time.Duration(c.PWMFreqHz)
	d := &Drive{
		Named:  name.AsNamed(),
		logger: logger,
	}

	analogs := map[currentsense.ChannelID]board.Analog{}
	pairs := make([]currentsense.ChannelPair, len(c.Motors))
	var channels []currentsense.ChannelID
	for i, mc := range c.Motors {
		pairs[i] = currentsense.ChannelPair{
			PhaseB: currentsense.ChannelID(2 * i),
			PhaseC: currentsense.ChannelID(2*i + 1),
		}
		for ch, analogName := range map[currentsense.ChannelID]string{
			pairs[i].PhaseB: mc.PhaseBAnalog,
			pairs[i].PhaseC: mc.PhaseCAnalog,
		} {
			a, err := b.AnalogByName(analogName)
			if err != nil {
				return nil, errors.Wrapf(err, "motor %d", i)
			}
			analogs[ch] = a
		}
		channels = append(channels, pairs[i].PhaseB, pairs[i].PhaseC)
	}

	sampler, err := commutation.NewTriggeredSampler(analogs, pairs, triggerPeriod, logger.Sublogger("sampler"))
	if err != nil {
		return nil, err
	}
	d.sampler = sampler

	motors := make([]*commutation.MotorConfig, len(c.Motors))
	pwms := make([]commutation.PWM, len(c.Motors))
	for i, mc := range c.Motors {
		id := currentsense.MotorID(i)
		mLogger := logger.Sublogger(fmt.Sprintf("motor%d", i))

		pins := map[commutation.PWMChannel]board.GPIOPin{}
		for ch, pinName := range map[commutation.PWMChannel]string{
			commutation.ChannelPhaseA:  mc.PWM.PhaseA,
			commutation.ChannelPhaseB:  mc.PWM.PhaseB,
			commutation.ChannelPhaseC:  mc.PWM.PhaseC,
			commutation.ChannelTrigger: mc.PWM.Trigger,
		} {
			pin, err := b.GPIOPinByName(pinName)
			if err != nil {
				return nil, errors.Wrapf(err, "motor %d", i)
			}
			pins[ch] = pin
		}
		pwm, err := commutation.NewBoardPWM(pins, c.PWMPeriod, c.PWMFreqHz,
			func(armed bool) { sampler.Arm(id, armed) }, mLogger)
		if err != nil {
			return nil, errors.Wrapf(err, "motor %d", i)
		}
		pwms[i] = pwm

		regs, err := mc.registers()
		if err != nil {
			return nil, errors.Wrapf(err, "motor %d", i)
		}
		driver := drv8301.NewDriver(bus, mc.ChipSelect, enGate, mLogger)
		d.drivers = append(d.drivers, driver)

		motors[i] = &commutation.MotorConfig{
			ID:               id,
			ShuntConductance: float32(mc.ShuntConductance),
			MaxCurrent:       float32(mc.MaxCurrent),
			GateDriver:       driver,
			Registers:        regs,
			Channels:         pairs[i],
			PWM:              pwm,
		}
	}

	d.sup = commutation.NewSupervisor(logger, sampler, pwms, channels)
	seq := commutation.NewSequencer(motors, sampler, delay, commutation.StartupConfig{
		GateSettle:       time.Duration(c.GateSettleMs) * time.Millisecond,
		ConversionSettle: time.Duration(c.ConversionSettleMs) * time.Millisecond,
		MailboxCapacity:  c.MailboxCapacity,
	}, d.sup, logger)

	sampler.Start()
	pipeline, err := seq.Run(ctx)
	if err != nil {
		sampler.Close()
		// The supervisor already stopped the outputs; power the gate drivers down too.
		if len(d.drivers) > 0 {
			if dErr := d.drivers[0].Disable(ctx); dErr != nil && !errors.Is(dErr, drv8301.ErrNoEnablePin) {
				err = multierr.Combine(err, dErr)
			}
		}
		return nil, err
	}
	d.pipeline = pipeline

	var watchdog time.Duration
	if c.WatchdogPeriods > 0 {
		watchdog = time.Duration(c.WatchdogPeriods) * triggerPeriod
	}
	controller := commutation.FixedOffset{Offset: *c.ControlOffset}
	workers := make([]func(context.Context), len(motors))
	for i, m := range motors {
		task := commutation.NewTask(m, pipeline.Mailboxes[i], controller, watchdog, d.sup,
			logger.Sublogger(fmt.Sprintf("motor%d", i)))
		d.tasks = append(d.tasks, task)
		workers[i] = func(ctx context.Context) {
			if err := task.Run(ctx); err != nil {
				logger.CErrorf(ctx, "motor %d control task stopped: %v", m.ID, err)
			}
		}
	}
	d.workers = utils.NewBackgroundStoppableWorkers(workers...)

	return d, nil
}

// DoCommand() related constants.
const (
	Command          = "command"
	Status           = "status"
	GateDriverStatus = "gate_driver_status"
)

// DoCommand reports drive diagnostics.
func (d *Drive) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Status:
		return d.status(), nil
	case GateDriverStatus:
		return d.gateDriverStatus(ctx)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func (d *Drive) status() map[string]interface{} {
	out := map[string]interface{}{
		"state":          d.sup.State().String(),
		"pairs":          d.pipeline.Synchronizer.Pairs(),
		"missed_pairs":   d.pipeline.Synchronizer.Missed(),
		"sync_halted":    d.pipeline.Synchronizer.Halted(),
		"sampler_errors": d.sampler.ReadErrors(),
	}
	if cause := d.sup.Cause(); cause != nil {
		out["fault"] = cause.Error()
	}
	motors := make([]interface{}, len(d.tasks))
	for i, t := range d.tasks {
		obs, cmd := t.Last()
		iab := obs.Clarke()
		motors[i] = map[string]interface{}{
			"handled":          t.Handled(),
			"dropped":          t.Mailbox().Dropped(),
			"phase_a_amps":     float64(obs.PhaseA()),
			"phase_b_amps":     float64(obs.PhaseB),
			"phase_c_amps":     float64(obs.PhaseC),
			"i_alpha_amps":     iab.X,
			"i_beta_amps":      iab.Y,
			"max_current_amps": float64(t.Config().MaxCurrent),
			"over_current":     t.Config().OverCurrent(obs),
			"duty_a":           cmd.DutyA,
			"duty_b":           cmd.DutyB,
			"duty_c":           cmd.DutyC,
			"shunt_amp_gain":   d.pipeline.Shadows[i].Gain().VoltsPerVolt(),
		}
	}
	out["motors"] = motors
	return out
}

func (d *Drive) gateDriverStatus(ctx context.Context) (map[string]interface{}, error) {
	drivers := make([]interface{}, len(d.drivers))
	for i, drv := range d.drivers {
		st, err := drv.ReadStatus(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "motor %d", i)
		}
		drivers[i] = map[string]interface{}{
			"fault":              st.Fault,
			"gvdd_under_voltage": st.GVDDUnderVoltage,
			"pvdd_under_voltage": st.PVDDUnderVoltage,
			"over_temp_shutdown": st.OverTempShutdown,
			"over_temp_warning":  st.OverTempWarning,
			"fet_overcurrent":    st.FETOvercurrent,
			"gvdd_over_voltage":  st.GVDDOverVoltage,
			"device_id":          st.DeviceID,
		}
	}
	return map[string]interface{}{"gate_drivers": drivers}, nil
}

// Close stops the control tasks, disables every output and powers the gate drivers down.
func (d *Drive) Close(ctx context.Context) error {
	err := d.sup.Stop()
	d.workers.Stop()
	d.sampler.Close()
	// Every driver shares EN_GATE, so one disable powers them all down.
	if len(d.drivers) > 0 {
		if dErr := d.drivers[0].Disable(ctx); dErr != nil && !errors.Is(dErr, drv8301.ErrNoEnablePin) {
			err = multierr.Combine(err, dErr)
		}
	}
	return err
}
