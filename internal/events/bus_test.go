package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	id := uuid.New()
	bus.Publish(TaskEventData{TaskID: id, Kind: KindStarted, Severity: SeverityInfo})

	for _, ch := range []<-chan TaskEventData{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, id, event.TaskID)
			assert.Equal(t, KindStarted, event.Kind)
			assert.False(t, event.EventAt.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TaskEventData{TaskID: uuid.New(), Kind: KindQueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// idempotent
	cancel()
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(1)
	ch, _ := bus.Subscribe()

	bus.Close()

	_, open := <-ch
	require.False(t, open)

	// publishing after close is a no-op
	bus.Publish(TaskEventData{TaskID: uuid.New()})
}
