package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	bus := New()

	ch1, unsub1 := bus.Subscribe(4)
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: TypeNotifySent, Data: "u1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeNotifySent || e.Data != "u1" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d got zero event time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	bus := New()

	ch, unsub := bus.Subscribe(1)
	defer unsub()

	// Second publish must not block even though nothing drains ch.
	bus.Publish(Event{Type: TypeNotifyQueued})
	bus.Publish(Event{Type: TypeNotifyFailed})

	e := <-ch
	if e.Type != TypeNotifyQueued {
		t.Fatalf("kept event = %q, want first publish", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	bus := New()

	ch, unsub := bus.Subscribe(4)
	unsub()
	unsub() // idempotent

	bus.Publish(Event{Type: TypeCircuitState})

	// The channel is closed on unsubscribe, so only the zero value remains.
	if e, ok := <-ch; ok {
		t.Fatalf("received %+v after unsubscribe", e)
	}
}
