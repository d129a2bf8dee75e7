package events

import (
	"testing"
	"time"

	"courier/internal/domain"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	first := bus.Subscribe()
	second := bus.Subscribe()

	event := StatusChanged{
		NotificationID: "n-1",
		From:           domain.StatusScheduled,
		To:             domain.StatusSent,
		At:             time.Now(),
	}
	bus.Publish(event)

	for name, ch := range map[string]<-chan StatusChanged{"first": first, "second": second} {
		select {
		case got := <-ch:
			if got.NotificationID != "n-1" || got.To != domain.StatusSent {
				t.Fatalf("%s subscriber got %+v, want n-1 -> SENT", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber did not receive the event", name)
		}
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	ch := bus.Subscribe()

	// Publish past the buffer without draining; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer+10; i++ {
			bus.Publish(StatusChanged{NotificationID: "n-1", To: domain.StatusFailed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if len(ch) != defaultBuffer {
		t.Fatalf("buffered events = %d, want %d", len(ch), defaultBuffer)
	}
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	ch := bus.Subscribe()
	bus.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after bus close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	// Publishing after close is a no-op.
	bus.Publish(StatusChanged{NotificationID: "n-1"})

	if got := bus.Subscribe(); got == nil {
		t.Fatal("Subscribe after close should return a closed channel, not nil")
	}
}
