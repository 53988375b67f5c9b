package currentsense

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ChannelID identifies a conversion channel.
type ChannelID uint8

// Notification is a conversion-complete event.
type Notification struct {
	Channel ChannelID
	Raw     RawSample
}

// ChannelPair names the two channels sampling one motor. Both are fired by the same trigger edge
// and the platform always completes PhaseB before PhaseC.
type ChannelPair struct {
	PhaseB ChannelID
	PhaseC ChannelID
}

// Sink accepts completed pairs without blocking. *Mailbox is a Sink.
type Sink interface {
	TrySend(phaseB, phaseC Amperes) bool
}

// FaultHandler is told about invariant violations. The synchronizer stops processing after the
// first one.
type FaultHandler func(err error)

// Errors passed to the FaultHandler.
var (
	ErrUnknownChannel = errors.New("conversion complete from an unknown channel")
	ErrOrderViolation = errors.New("conversion notifications arrived out of order")
)

// SyncState is where a motor is within one conversion cycle.
type SyncState uint8

// Synchronizer states.
const (
	AwaitingFirst SyncState = iota
	AwaitingSecond
)

func (s SyncState) String() string {
	switch s {
	case AwaitingFirst:
		return "awaiting_first"
	case AwaitingSecond:
		return "awaiting_second"
	default:
		return fmt.Sprintf("SyncState(%d)", uint8(s))
	}
}

type slot uint8

const (
	slotNone slot = iota
	slotFirst
	slotSecond
)

type route struct {
	motor MotorID
	slot  slot
}

// latch holds phase B between the two notifications of a cycle.
type latch struct {
	state  SyncState
	phaseB Amperes
}

// Synchronizer pairs the two per-edge conversions of each motor into one Observation.
//
// HandleConversion must only be called from a single goroutine (the conversion path). It never
// blocks and never allocates on the success path. The latches are owned by that goroutine; only
// the counters may be read from elsewhere.
type Synchronizer struct {
	decoder *Decoder
	routes  [256]route
	latches []latch
	sinks   []Sink
	onFault FaultHandler

	halted atomic.Bool
	pairs  atomic.Uint64
	missed atomic.Uint64
}

// NewSynchronizer returns a synchronizer for len(pairs) motors. Motor i is sampled on pairs[i]
// and its observations go to sinks[i].
func NewSynchronizer(decoder *Decoder, pairs []ChannelPair, sinks []Sink, onFault FaultHandler) (*Synchronizer, error) {
	if len(pairs) == 0 {
		return nil, errors.New("need at least one motor")
	}
	if len(sinks) != len(pairs) || decoder.Motors() != len(pairs) {
		return nil, errors.Errorf("got %d channel pairs, %d sinks and %d calibrations",
			len(pairs), len(sinks), decoder.Motors())
	}
	if onFault == nil {
		return nil, errors.New("a fault handler is required")
	}

	s := &Synchronizer{
		decoder: decoder,
		latches: make([]latch, len(pairs)),
		sinks:   append([]Sink(nil), sinks...),
		onFault: onFault,
	}
	for i, p := range pairs {
		if p.PhaseB == p.PhaseC {
			return nil, errors.Errorf("motor %d samples both phases on channel %d", i, p.PhaseB)
		}
		for _, ch := range []ChannelID{p.PhaseB, p.PhaseC} {
			if s.routes[ch].slot != slotNone {
				return nil, errors.Errorf("channel %d is assigned to more than one phase", ch)
			}
		}
		s.routes[p.PhaseB] = route{motor: MotorID(i), slot: slotFirst}
		s.routes[p.PhaseC] = route{motor: MotorID(i), slot: slotSecond}
	}
	return s, nil
}

// HandleConversion advances the state machine of the motor the channel belongs to.
func (s *Synchronizer) HandleConversion(n Notification) {
	if s.halted.Load() {
		return
	}

	r := s.routes[n.Channel]
	switch r.slot {
	case slotFirst:
		l := &s.latches[r.motor]
		if l.state != AwaitingFirst {
			s.fault(errors.Wrapf(ErrOrderViolation,
				"motor %d: phase B on channel %d arrived again before phase C", r.motor, n.Channel))
			return
		}
		l.phaseB = s.decoder.Decode(n.Raw, r.motor)
		l.state = AwaitingSecond

	case slotSecond:
		l := &s.latches[r.motor]
		if l.state != AwaitingSecond {
			// Pairing now would reuse a phase B from an older cycle.
			s.fault(errors.Wrapf(ErrOrderViolation,
				"motor %d: phase C on channel %d arrived with no phase B this cycle", r.motor, n.Channel))
			return
		}
		phaseC := s.decoder.Decode(n.Raw, r.motor)
		l.state = AwaitingFirst
		s.pairs.Add(1)
		if !s.sinks[r.motor].TrySend(l.phaseB, phaseC) {
			s.missed.Add(1)
		}

	default:
		s.fault(errors.Wrapf(ErrUnknownChannel, "channel %d", n.Channel))
	}
}

func (s *Synchronizer) fault(err error) {
	if s.halted.CompareAndSwap(false, true) {
		s.onFault(err)
	}
}

// State returns the state of one motor. Only the goroutine delivering notifications may call it.
func (s *Synchronizer) State(motor MotorID) SyncState {
	return s.latches[motor].state
}

// Halted reports whether a fault stopped the synchronizer.
func (s *Synchronizer) Halted() bool {
	return s.halted.Load()
}

// Pairs returns how many complete pairs were produced, delivered or not.
func (s *Synchronizer) Pairs() uint64 {
	return s.pairs.Load()
}

// Missed returns how many complete pairs a sink refused.
func (s *Synchronizer) Missed() uint64 {
	return s.missed.Load()
}
