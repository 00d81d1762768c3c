package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"glorianotify/internal/breaker"
	"glorianotify/internal/eventbus"
	logx "glorianotify/pkg/logx"
)

func TestBusEventsUpdateGauges(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(func() int { return 3 }, logx.Nop())
	if err := s.Start("", bus); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeCircuitState,
		Data: breaker.StateChange{Service: "email", From: breaker.StateClosed, To: breaker.StateOpen},
	})
	bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyDeadLetter})
	// Unrelated payload types are ignored, not panicked on.
	bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitState, Data: "garbage"})

	waitFor(t, func() bool {
		return testutil.ToFloat64(s.CircuitState.WithLabelValues("email")) == 2 &&
			testutil.ToFloat64(s.DeadLetters) == 1
	})
}

func TestStopIsIdempotentWithoutListener(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())
	if err := s.Start("", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop(context.Background())
	s.Stop(context.Background())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
