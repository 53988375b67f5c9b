package bldc

import (
	"fmt"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"bldc-current-sense/drv8301"
)

// PWMPins names the board pins carrying each timer channel of one motor.
type PWMPins struct {
	PhaseA  string `json:"phase_a"`
	PhaseB  string `json:"phase_b"`
	PhaseC  string `json:"phase_c"`
	Trigger string `json:"trigger"`
}

// MotorConfig describes one motor behind a DRV8301.
type MotorConfig struct {
	ChipSelect       string  `json:"chip_select"`
	ShuntConductance float64 `json:"shunt_conductance_siemens,omitempty"` // 2000 S (500uOhm) default
	MaxCurrent       float64 `json:"max_current_amps,omitempty"`          // 75 A default, matches 40V/V
	ShuntAmpGain     int     `json:"shunt_amp_gain,omitempty"`            // 10, 20, 40 or 80 V/V, 40 default
	OCMode           string  `json:"oc_mode,omitempty"`                   // latch_shutdown default
	OCTripVolts      float64 `json:"oc_trip_volts,omitempty"`             // 0.730 V default
	PhaseBAnalog     string  `json:"phase_b_analog"`
	PhaseCAnalog     string  `json:"phase_c_analog"`
	PWM              PWMPins `json:"pwm_pins"`
}

// Config describes the whole drive.
type Config struct {
	BoardName          string        `json:"board"`
	SPIBus             string        `json:"spi_bus"`
	EnableGatePin      string        `json:"en_gate_pin,omitempty"` // shared by every gate driver
	PWMFreqHz          uint          `json:"pwm_freq_hz,omitempty"`
	PWMPeriod          uint32        `json:"pwm_period_counts,omitempty"`
	MailboxCapacity    int           `json:"mailbox_capacity,omitempty"`
	WatchdogPeriods    int           `json:"watchdog_periods,omitempty"` // -1 disables the watchdog
	GateSettleMs       int           `json:"gate_settle_ms,omitempty"`
	ConversionSettleMs int           `json:"conversion_settle_ms,omitempty"`
	ControlOffset      *uint32       `json:"control_offset,omitempty"`
	Motors             []MotorConfig `json:"motors"`
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if config.SPIBus == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "spi_bus")
	}
	if len(config.Motors) == 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "motors")
	}
	if config.MailboxCapacity < 0 {
		return nil, nil, errors.New("mailbox_capacity cannot be negative")
	}
	if config.WatchdogPeriods < -1 {
		return nil, nil, errors.New("watchdog_periods must be -1 (disabled), 0 (default) or positive")
	}
	for i, m := range config.Motors {
		mPath := fmt.Sprintf("%s.motors.%d", path, i)
		if err := m.validate(mPath); err != nil {
			return nil, nil, err
		}
	}
	return []string{config.BoardName}, nil, nil
}

func (m *MotorConfig) validate(path string) error {
	required := []struct {
		name, value string
	}{
		{"chip_select", m.ChipSelect},
		{"phase_b_analog", m.PhaseBAnalog},
		{"phase_c_analog", m.PhaseCAnalog},
		{"pwm_pins.phase_a", m.PWM.PhaseA},
		{"pwm_pins.phase_b", m.PWM.PhaseB},
		{"pwm_pins.phase_c", m.PWM.PhaseC},
		{"pwm_pins.trigger", m.PWM.Trigger},
	}
	for _, r := range required {
		if r.value == "" {
			return resource.NewConfigValidationFieldRequiredError(path, r.name)
		}
	}
	if m.ShuntConductance < 0 {
		return errors.New("shunt_conductance_siemens must be positive")
	}
	if m.ShuntAmpGain != 0 {
		if _, err := drv8301.ParseGain(m.ShuntAmpGain); err != nil {
			return err
		}
	}
	if m.OCMode != "" {
		if _, err := drv8301.ParseOCMode(m.OCMode); err != nil {
			return err
		}
	}
	if m.OCTripVolts != 0 {
		if _, err := drv8301.ParseVdsLevel(m.OCTripVolts); err != nil {
			return err
		}
	}
	return nil
}

// registers builds the gate driver image for a motor whose defaults were already filled in.
func (m *MotorConfig) registers() (drv8301.RegisterImage, error) {
	gain, err := drv8301.ParseGain(m.ShuntAmpGain)
	if err != nil {
		return drv8301.RegisterImage{}, err
	}
	mode, err := drv8301.ParseOCMode(m.OCMode)
	if err != nil {
		return drv8301.RegisterImage{}, err
	}
	level, err := drv8301.ParseVdsLevel(m.OCTripVolts)
	if err != nil {
		return drv8301.RegisterImage{}, err
	}
	return drv8301.RegisterImage{
		Control1: drv8301.Control1{OCMode: mode, OCAdjSet: level},
		Control2: drv8301.Control2{Gain: gain},
	}, nil
}
