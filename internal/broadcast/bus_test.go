package broadcast

import (
	"testing"
	"time"

	"signalpipe/internal/storage"
)

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()
	bus := New()
	a, unsubA := bus.Subscribe(2)
	b, unsubB := bus.Subscribe(2)
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Type: TypeSignal, Signal: &storage.Signal{ID: 1}})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeSignal || ev.Signal == nil || ev.Signal.ID != 1 {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("Time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeMessage})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds at most one event; the rest were dropped.
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			if n != 1 {
				t.Fatalf("buffered events = %d, want 1", n)
			}
			return
		}
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)

	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeSignal})
}
