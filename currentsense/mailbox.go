package currentsense

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultMailboxCapacity is the number of observations that may be outstanding at once.
const DefaultMailboxCapacity = 2

// ErrReceiveTimeout is returned by Receive when nothing arrived in time.
var ErrReceiveTimeout = errors.New("timed out waiting for a current sample")

// Mailbox carries observations from the conversion path to a control task. Items come from a pool
// sized to the capacity: the producer takes one, fills it and queues it, the consumer receives it
// and must Release it back to the pool exactly once.
type Mailbox struct {
	motor   MotorID
	items   []Observation
	pooled  []atomic.Bool // pooled[i] is set while items[i] sits in pool
	pool    chan *Observation
	queue   chan *Observation
	dropped atomic.Uint64
}

// NewMailbox returns a mailbox for one motor. A non-positive capacity selects the default.
func NewMailbox(motor MotorID, capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	m := &Mailbox{
		motor:  motor,
		items:  make([]Observation, capacity),
		pooled: make([]atomic.Bool, capacity),
		pool:   make(chan *Observation, capacity),
		queue:  make(chan *Observation, capacity),
	}
	for i := range m.items {
		m.pooled[i].Store(true)
		m.pool <- &m.items[i]
	}
	return m
}

// TrySend queues a pair without blocking. When the pool is exhausted the pair is dropped and
// counted, and false is returned.
func (m *Mailbox) TrySend(phaseB, phaseC Amperes) bool {
	var item *Observation
	select {
	case item = <-m.pool:
	default:
		m.dropped.Add(1)
		return false
	}
	m.pooled[m.index(item)].Store(false)
	item.Motor = m.motor
	item.PhaseB = phaseB
	item.PhaseC = phaseC
	// queue has room for every pool item, so this never blocks.
	m.queue <- item
	return true
}

// Receive waits for the next observation. A non-positive timeout waits forever. The caller owns
// the returned item until it calls Release.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration) (*Observation, error) {
	if timeout <= 0 {
		select {
		case item := <-m.queue:
			return item, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-m.queue:
		return item, nil
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release hands a received item back to the pool. Releasing an item twice, or one this mailbox
// did not hand out, panics.
func (m *Mailbox) Release(item *Observation) {
	if item == nil {
		return
	}
	i := m.index(item)
	if i < 0 {
		panic("currentsense: released an observation that does not belong to this mailbox")
	}
	if m.pooled[i].Swap(true) {
		panic("currentsense: observation released twice")
	}
	// pool has room for every item, so this never blocks.
	m.pool <- item
}

func (m *Mailbox) index(item *Observation) int {
	for i := range m.items {
		if &m.items[i] == item {
			return i
		}
	}
	return -1
}

// Dropped returns how many pairs were discarded because the mailbox was full.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}

// Len returns the number of queued observations.
func (m *Mailbox) Len() int {
	return len(m.queue)
}

// Cap returns the mailbox capacity.
func (m *Mailbox) Cap() int {
	return cap(m.queue)
}

// Motor returns the motor this mailbox serves.
func (m *Mailbox) Motor() MotorID {
	return m.motor
}
