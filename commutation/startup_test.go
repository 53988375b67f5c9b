package commutation

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"bldc-current-sense/currentsense"
	"bldc-current-sense/drv8301"
)

var referenceRegisters = drv8301.RegisterImage{
	Control1: drv8301.Control1{OCMode: drv8301.OCModeLatchShutDown, OCAdjSet: drv8301.VdsLevel0p730V},
	Control2: drv8301.Control2{Gain: drv8301.Gain40VpV},
}

type testRig struct {
	rec   *recorder
	gates []*fakeGateDriver
	pwms  []*fakePWM
	conv  *fakeConversions
	sup   *Supervisor
	seq   *Sequencer
}

func newTestRig(t *testing.T, motors int) *testRig {
	t.Helper()
	logger := logging.NewTestLogger(t)
	rig := &testRig{rec: &recorder{}}
	rig.conv = &fakeConversions{rec: rig.rec}

	var cfgs []*MotorConfig
	var pwms []PWM
	var channels []currentsense.ChannelID
	for i := 0; i < motors; i++ {
		gate := &fakeGateDriver{rec: rig.rec, name: "gate" + string(rune('0'+i))}
		pwm := newFakePWM(rig.rec, "pwm"+string(rune('0'+i)), 3500)
		rig.gates = append(rig.gates, gate)
		rig.pwms = append(rig.pwms, pwm)
		pwms = append(pwms, pwm)
		pair := currentsense.ChannelPair{PhaseB: currentsense.ChannelID(2 * i), PhaseC: currentsense.ChannelID(2*i + 1)}
		channels = append(channels, pair.PhaseB, pair.PhaseC)
		cfgs = append(cfgs, &MotorConfig{
			ID:               currentsense.MotorID(i),
			ShuntConductance: 2000,
			MaxCurrent:       75,
			GateDriver:       gate,
			Registers:        referenceRegisters,
			Channels:         pair,
			PWM:              pwm,
		})
	}
	rig.sup = NewSupervisor(logger, rig.conv, pwms, channels)
	rig.seq = NewSequencer(cfgs, rig.conv, fakeDelayer{rec: rig.rec}, StartupConfig{}, rig.sup, logger)
	return rig
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestStartupSequence(t *testing.T) {
	rig := newTestRig(t, 1)
	p, err := rig.seq.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rig.sup.State(), test.ShouldEqual, StateRunning)

	test.That(t, rig.rec.log(), test.ShouldResemble, []string{
		"gate0.enable",
		"gate0.write_config",
		"gate0.read_config",
		"delay(1s)",
		"conv.set_handler",
		"conv.enable(0)",
		"conv.enable(1)",
		"delay(2ms)",
		"conv.enable_interrupt(0)",
		"conv.enable_interrupt(1)",
		"pwm0.freeze_on_debug",
		"pwm0.set_compare(1,1750)",
		"pwm0.set_compare(2,1750)",
		"pwm0.set_compare(3,1750)",
		"pwm0.start(1)",
		"pwm0.start(2)",
		"pwm0.start(3)",
		"pwm0.set_compare(4,1)",
		"pwm0.start(4)",
	})

	test.That(t, p.Mailboxes, test.ShouldHaveLength, 1)
	test.That(t, p.Mailboxes[0].Cap(), test.ShouldEqual, currentsense.DefaultMailboxCapacity)
	test.That(t, p.Shadows[0].Image, test.ShouldResemble, referenceRegisters)
	test.That(t, p.Shadows[0].SndCmd, test.ShouldBeFalse)
	test.That(t, p.Shadows[0].RcvCmd, test.ShouldBeFalse)
	test.That(t, rig.conv.handler, test.ShouldEqual, p.Synchronizer)

	// The synchronizer decodes with the gain the gate driver was configured with.
	rig.conv.handler.HandleConversion(currentsense.Notification{Channel: 0, Raw: 2148})
	rig.conv.handler.HandleConversion(currentsense.Notification{Channel: 1, Raw: 2048})
	obs, err := p.Mailboxes[0].Receive(context.Background(), time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, float64(obs.PhaseB), test.ShouldAlmostEqual, 4.0283, 0.001)
	test.That(t, float64(obs.PhaseC), test.ShouldEqual, 0.0)
}

func TestStartupOrdersGateDriversBeforeConversions(t *testing.T) {
	rig := newTestRig(t, 2)
	_, err := rig.seq.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)

	calls := rig.rec.log()
	settle := indexOf(calls, "delay(1s)")
	test.That(t, settle, test.ShouldBeGreaterThan, -1)
	for _, gate := range []string{"gate0.enable", "gate1.enable", "gate0.read_config", "gate1.read_config"} {
		test.That(t, indexOf(calls, gate), test.ShouldBeBetween, -1, settle)
	}
	for _, irq := range []string{"conv.enable_interrupt(0)", "conv.enable_interrupt(3)"} {
		test.That(t, indexOf(calls, irq), test.ShouldBeGreaterThan, settle)
	}
	test.That(t, indexOf(calls, "pwm1.start(4)"), test.ShouldBeGreaterThan, indexOf(calls, "conv.enable_interrupt(3)"))
}

func TestStartupReadbackMismatchIsFatal(t *testing.T) {
	rig := newTestRig(t, 1)
	rig.gates[0].readBack = func(img drv8301.RegisterImage) drv8301.RegisterImage {
		img.Control2.Gain = drv8301.Gain10VpV
		return img
	}

	_, err := rig.seq.Run(context.Background())
	test.That(t, errors.Is(err, ErrConfigMismatch), test.ShouldBeTrue)
	test.That(t, rig.sup.State(), test.ShouldEqual, StateFaulted)
	test.That(t, errors.Is(rig.sup.Cause(), ErrConfigMismatch), test.ShouldBeTrue)

	calls := rig.rec.log()
	test.That(t, indexOf(calls, "delay(1s)"), test.ShouldEqual, -1)
	test.That(t, indexOf(calls, "conv.enable(0)"), test.ShouldEqual, -1)
	for _, c := range []string{"pwm0.stop(1)", "pwm0.stop(2)", "pwm0.stop(3)", "pwm0.stop(4)", "conv.disable_interrupt(1)"} {
		test.That(t, indexOf(calls, c), test.ShouldBeGreaterThan, -1)
	}
}

func TestStartupGateDriverErrorIsFatal(t *testing.T) {
	rig := newTestRig(t, 1)
	rig.gates[0].writeErr = errors.New("spi bus gone")

	_, err := rig.seq.Run(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "spi bus gone")
	test.That(t, rig.sup.State(), test.ShouldEqual, StateFaulted)
	test.That(t, indexOf(rig.rec.log(), "gate0.read_config"), test.ShouldEqual, -1)
}
