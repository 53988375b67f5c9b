package commutation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"bldc-current-sense/currentsense"
)

// ErrWatchdog is the fault raised when no sample arrives within the watchdog window.
var ErrWatchdog = errors.New("current sample watchdog expired")

// Task is the control loop of one motor.
type Task struct {
	cfg        *MotorConfig
	mailbox    *currentsense.Mailbox
	controller Controller
	watchdog   time.Duration
	sup        *Supervisor
	logger     logging.Logger

	handled atomic.Uint64

	mu      sync.Mutex
	lastObs currentsense.Observation
	lastCmd Command
}

// NewTask returns a control task. A zero watchdog waits for samples forever.
func NewTask(
	cfg *MotorConfig,
	mailbox *currentsense.Mailbox,
	controller Controller,
	watchdog time.Duration,
	sup *Supervisor,
	logger logging.Logger,
) *Task {
	return &Task{
		cfg:        cfg,
		mailbox:    mailbox,
		controller: controller,
		watchdog:   watchdog,
		sup:        sup,
		logger:     logger,
	}
}

// Run consumes observations until ctx ends or the drive leaves the running state. A watchdog
// expiry, a controller breaking its duty contract or a failed PWM write faults the drive.
func (t *Task) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.sup.Context(), cancel)
	defer stop()

	period := t.cfg.PWM.Period()
	for {
		obs, err := t.mailbox.Receive(ctx, t.watchdog)
		if err != nil {
			if errors.Is(err, currentsense.ErrReceiveTimeout) {
				err = errors.Wrapf(ErrWatchdog, "motor %d: no current sample in %v", t.cfg.ID, t.watchdog)
				t.sup.Fault(err)
				return err
			}
			// Cancelled, either by the caller or by the supervisor.
			return nil
		}

		sample := *obs
		t.mailbox.Release(obs)

		cmd := t.controller.ComputeCommand(sample, t.cfg, period)
		if err := cmd.check(period); err != nil {
			err = errors.Wrapf(err, "motor %d", t.cfg.ID)
			t.sup.Fault(err)
			return err
		}
		if err := t.apply(ctx, cmd); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = errors.Wrapf(err, "motor %d: writing PWM compare values", t.cfg.ID)
			t.sup.Fault(err)
			return err
		}

		t.handled.Add(1)
		t.mu.Lock()
		t.lastObs = sample
		t.lastCmd = cmd
		t.mu.Unlock()
	}
}

func (t *Task) apply(ctx context.Context, cmd Command) error {
	return multierr.Combine(
		t.cfg.PWM.SetCompare(ctx, ChannelPhaseA, cmd.DutyA),
		t.cfg.PWM.SetCompare(ctx, ChannelPhaseB, cmd.DutyB),
		t.cfg.PWM.SetCompare(ctx, ChannelPhaseC, cmd.DutyC),
	)
}

// Handled returns how many observations were turned into commands.
func (t *Task) Handled() uint64 {
	return t.handled.Load()
}

// Last returns the most recent observation and the command written for it.
func (t *Task) Last() (currentsense.Observation, Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastObs, t.lastCmd
}

// Mailbox returns the mailbox the task consumes.
func (t *Task) Mailbox() *currentsense.Mailbox {
	return t.mailbox
}

// Config returns the motor this task drives.
func (t *Task) Config() *MotorConfig {
	return t.cfg
}
