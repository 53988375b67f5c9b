package commutation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"bldc-current-sense/currentsense"
)

// State is the top-level state of the drive.
type State int32

// Drive states. Faulted and Stopped are terminal.
const (
	StateInitializing State = iota
	StateRunning
	StateFaulted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// safeStateTimeout bounds how long disabling the outputs may take.
const safeStateTimeout = 5 * time.Second

// Supervisor owns the drive state and the transition into the safe state: every PWM output
// stopped, every conversion interrupt disabled, every control task told to exit.
type Supervisor struct {
	logger   logging.Logger
	conv     ConversionPeripheral
	pwms     []PWM
	channels []currentsense.ChannelID

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	cause error
}

// NewSupervisor returns a supervisor guarding the given outputs.
func NewSupervisor(
	logger logging.Logger,
	conv ConversionPeripheral,
	pwms []PWM,
	channels []currentsense.ChannelID,
) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:   logger,
		conv:     conv,
		pwms:     pwms,
		channels: channels,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// MarkRunning moves an initializing drive to running. It fails if the drive already left the
// initializing state.
func (s *Supervisor) MarkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return errors.Errorf("cannot start a drive that is %s", s.state)
	}
	s.state = StateRunning
	return nil
}

// Fault enters the safe state and remembers why. Only the first call has any effect. It matches
// currentsense.FaultHandler so the synchronizer can report to it directly.
func (s *Supervisor) Fault(err error) {
	if !s.terminate(StateFaulted, err) {
		return
	}
	s.logger.Errorw("entering safe state", "error", err)
	if sErr := s.disableOutputs(); sErr != nil {
		s.logger.Errorw("failed to fully disable outputs", "error", sErr)
	}
}

// Stop disables the outputs on an orderly shutdown.
func (s *Supervisor) Stop() error {
	if !s.terminate(StateStopped, nil) {
		return nil
	}
	return s.disableOutputs()
}

func (s *Supervisor) terminate(to State, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFaulted || s.state == StateStopped {
		return false
	}
	s.state = to
	s.cause = cause
	s.cancel()
	return true
}

func (s *Supervisor) disableOutputs() error {
	ctx, cancel := context.WithTimeout(context.Background(), safeStateTimeout)
	defer cancel()

	var err error
	for _, p := range s.pwms {
		for _, ch := range allPWMChannels {
			err = multierr.Append(err, p.Stop(ctx, ch))
		}
	}
	if s.conv != nil {
		for _, ch := range s.channels {
			err = multierr.Append(err, s.conv.DisableInterrupt(ctx, ch))
		}
	}
	return err
}

// Done is closed once the drive faults or stops.
func (s *Supervisor) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is cancelled once the drive faults or stops.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// State returns the current drive state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cause returns the error that faulted the drive, if any.
func (s *Supervisor) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}
