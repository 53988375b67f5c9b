package bldc

import (
	"testing"

	"go.viam.com/test"

	"bldc-current-sense/drv8301"
)

func validConfig() Config {
	return Config{
		BoardName:     "board",
		SPIBus:        "0",
		EnableGatePin: "en_gate",
		Motors: []MotorConfig{{
			ChipSelect:   "24",
			PhaseBAnalog: "adc2",
			PhaseCAnalog: "adc3",
			PWM:          PWMPins{PhaseA: "pwm_a", PhaseB: "pwm_b", PhaseC: "pwm_c", Trigger: "pwm_trig"},
		}},
	}
}

func TestValidate(t *testing.T) {
	conf := validConfig()
	deps, _, err := conf.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"board"})

	for _, tc := range []struct {
		name   string
		mutate func(c *Config)
		expect string
	}{
		{"board", func(c *Config) { c.BoardName = "" }, `"board" is required`},
		{"spi bus", func(c *Config) { c.SPIBus = "" }, `"spi_bus" is required`},
		{"motors", func(c *Config) { c.Motors = nil }, `"motors" is required`},
		{"chip select", func(c *Config) { c.Motors[0].ChipSelect = "" }, `"chip_select" is required`},
		{"analog", func(c *Config) { c.Motors[0].PhaseCAnalog = "" }, `"phase_c_analog" is required`},
		{"trigger pin", func(c *Config) { c.Motors[0].PWM.Trigger = "" }, `"pwm_pins.trigger" is required`},
		{"gain", func(c *Config) { c.Motors[0].ShuntAmpGain = 30 }, "10, 20, 40 or 80"},
		{"oc mode", func(c *Config) { c.Motors[0].OCMode = "ignore" }, "oc_mode must be one of"},
		{"oc trip", func(c *Config) { c.Motors[0].OCTripVolts = 0.5 }, "not a DRV8301 overcurrent trip level"},
		{"watchdog", func(c *Config) { c.WatchdogPeriods = -2 }, "watchdog_periods"},
		{"mailbox", func(c *Config) { c.MailboxCapacity = -1 }, "mailbox_capacity"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			_, _, err := c.Validate("path")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.expect)
		})
	}
}

func TestMotorRegisters(t *testing.T) {
	m := MotorConfig{ShuntAmpGain: 20, OCMode: "report_only", OCTripVolts: 0.403}
	regs, err := m.registers()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, regs.Control2.Gain, test.ShouldEqual, drv8301.Gain20VpV)
	test.That(t, regs.Control1.OCMode, test.ShouldEqual, drv8301.OCModeReportOnly)
	test.That(t, regs.Control1.OCAdjSet, test.ShouldEqual, drv8301.VdsLevel(16))
}
