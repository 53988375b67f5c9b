package currentsense

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestMailboxDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	m := NewMailbox(0, 2)
	test.That(t, m.Cap(), test.ShouldEqual, 2)

	test.That(t, m.TrySend(1, -1), test.ShouldBeTrue)
	test.That(t, m.TrySend(2, -2), test.ShouldBeTrue)
	test.That(t, m.TrySend(3, -3), test.ShouldBeFalse)
	test.That(t, m.Dropped(), test.ShouldEqual, uint64(1))
	test.That(t, m.Len(), test.ShouldEqual, 2)

	first, err := m.Receive(ctx, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *first, test.ShouldResemble, Observation{Motor: 0, PhaseB: 1, PhaseC: -1})
	m.Release(first)

	second, err := m.Receive(ctx, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *second, test.ShouldResemble, Observation{Motor: 0, PhaseB: 2, PhaseC: -2})
	m.Release(second)

	_, err = m.Receive(ctx, 5*time.Millisecond)
	test.That(t, errors.Is(err, ErrReceiveTimeout), test.ShouldBeTrue)
}

func TestMailboxHoldsItemsUntilReleased(t *testing.T) {
	ctx := context.Background()
	m := NewMailbox(3, 0)
	test.That(t, m.Cap(), test.ShouldEqual, DefaultMailboxCapacity)
	test.That(t, m.Motor(), test.ShouldEqual, MotorID(3))

	test.That(t, m.TrySend(1, 1), test.ShouldBeTrue)
	test.That(t, m.TrySend(2, 2), test.ShouldBeTrue)

	held, err := m.Receive(ctx, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, held.Motor, test.ShouldEqual, MotorID(3))

	// One slot is queued and one is held by the consumer, so the pool is empty.
	test.That(t, m.TrySend(3, 3), test.ShouldBeFalse)
	m.Release(held)
	test.That(t, m.TrySend(4, 4), test.ShouldBeTrue)

	next, err := m.Receive(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, float64(next.PhaseB), test.ShouldEqual, 2.0)
	m.Release(next)

	next, err = m.Receive(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, float64(next.PhaseB), test.ShouldEqual, 4.0)
	m.Release(next)

	test.That(t, func() { m.Release(&Observation{}) }, test.ShouldPanic)
}

func TestMailboxReleaseTwicePanics(t *testing.T) {
	ctx := context.Background()
	m := NewMailbox(0, 2)

	test.That(t, m.TrySend(1, 1), test.ShouldBeTrue)
	item, err := m.Receive(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	m.Release(item)
	test.That(t, func() { m.Release(item) }, test.ShouldPanic)

	// The pool still holds two distinct items.
	test.That(t, m.TrySend(2, 2), test.ShouldBeTrue)
	test.That(t, m.TrySend(3, 3), test.ShouldBeTrue)
	first, err := m.Receive(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	second, err := m.Receive(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first != second, test.ShouldBeTrue)
	test.That(t, float64(first.PhaseB), test.ShouldEqual, 2.0)
	test.That(t, float64(second.PhaseB), test.ShouldEqual, 3.0)
}

func TestMailboxFIFOAcrossGoroutines(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := NewMailbox(0, 2)

	const n = 500
	go func() {
		for i := 0; i < n; {
			if m.TrySend(Amperes(i), 0) {
				i++
				continue
			}
			time.Sleep(10 * time.Microsecond)
		}
	}()

	for i := 0; i < n; i++ {
		item, err := m.Receive(ctx, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, float64(item.PhaseB), test.ShouldEqual, float64(i))
		m.Release(item)
	}
}

func TestMailboxReceiveHonoursContext(t *testing.T) {
	m := NewMailbox(0, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Receive(ctx, 0)
	test.That(t, err, test.ShouldBeError, context.Canceled)
	_, err = m.Receive(ctx, time.Hour)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}
