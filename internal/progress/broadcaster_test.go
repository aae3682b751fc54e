package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newBroadcaster(buffer int) *Broadcaster {
	return NewBroadcaster(buffer, fixedClock{now: time.Unix(1700000000, 0)}, nil)
}

func publishN(b *Broadcaster, n int) {
	for i := 0; i < n; i++ {
		b.Publish(Event{Variant: VariantSessionStarted, SessionID: "s1"})
	}
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(16)
	ch, cancel := b.Subscribe()
	defer cancel()

	publishN(b, 5)
	events := drain(ch)
	require.Len(t, events, 5)
	for i, evt := range events {
		require.Equal(t, uint64(i+1), evt.Seq)
		require.False(t, evt.BackendTS.IsZero())
	}
	require.Equal(t, uint64(5), b.LastSeq())
}

func TestPublishDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(16)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Variant: VariantSessionStarted}) // no session id
	b.Publish(Event{Variant: "BOGUS", SessionID: "s1"})
	require.Empty(t, drain(ch))
}

func TestSlowConsumerLosesEventsButSeesGap(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	publishN(b, 5)
	events := drain(ch)
	require.Len(t, events, 2, "buffer of 2 keeps only the first two")
	require.Equal(t, uint64(1), events[0].Seq)
	require.Equal(t, uint64(2), events[1].Seq)
	require.Equal(t, uint64(5), b.LastSeq(), "the gap is visible through LastSeq")
}

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(2)
	_, cancelSlow := b.Subscribe()
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		publishN(b, 2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	require.Len(t, drain(fast), 2)
}

func TestCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(16)
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	publishN(b, 1)
	_, open := <-ch
	require.False(t, open, "cancelled subscription channel must be closed")
}

func TestCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := newBroadcaster(16)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()
	_, open := <-ch
	require.False(t, open)

	// Publishing and subscribing after close are safe no-ops.
	publishN(b, 1)
	late, lateCancel := b.Subscribe()
	defer lateCancel()
	_, open = <-late
	require.False(t, open)
}
