package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Publish(EventSlotCommitted, map[string]interface{}{"address": "a1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventSlotCommitted, ev.Type)
			assert.Equal(t, "a1", ev.Payload["address"])
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe()
	defer cancel()

	// Never drain: the buffer fills and further publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(EventExecStarted, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	stats := bus.StatsSnapshot()
	assert.EqualValues(t, subscriberBuffer+10, stats.Published)
	assert.EqualValues(t, 10, stats.Dropped)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.StatsSnapshot().Subscribers)

	// Publishing after the last subscriber left is a no-op.
	bus.Publish(EventSlotEvicted, nil)
}

func TestHistoryWindowIsBounded(t *testing.T) {
	bus := NewBus(nil)
	for i := 0; i < historyLimit+50; i++ {
		bus.Publish(EventExecFinished, map[string]interface{}{"seq": i})
	}

	all := bus.History(0)
	require.Len(t, all, historyLimit)
	assert.Equal(t, 50, all[0].Payload["seq"], "oldest entries are evicted first")

	tail := bus.History(5)
	require.Len(t, tail, 5)
	assert.Equal(t, historyLimit+49, tail[4].Payload["seq"])
}
