package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"glorianotify/internal/eventbus"
	logx "glorianotify/pkg/logx"
)

var errBoom = errors.New("boom")

func newTestRegistry(cfg Config) (*Registry, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(cfg, nil, logx.Nop())
	r.now = func() time.Time { return now }
	return r, &now
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(Config{FailureThreshold: 3})

	for i := 0; i < 3; i++ {
		if err := r.Execute(context.Background(), "email-service", fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want %v", i, err, errBoom)
		}
	}
	if st := r.State("email-service"); st != StateOpen {
		t.Fatalf("state = %v, want open", st)
	}
}

func TestOpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(Config{FailureThreshold: 1})
	_ = r.Execute(context.Background(), "sms-service", fail)

	called := false
	err := r.Execute(context.Background(), "sms-service", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn was called while circuit open")
	}
}

func TestHalfOpenProbeAndClose(t *testing.T) {
	t.Parallel()
	r, now := newTestRegistry(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 30 * time.Second})
	_ = r.Execute(context.Background(), "email-service", fail)

	*now = now.Add(31 * time.Second)
	if st := r.State("email-service"); st != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", st)
	}

	// First probe succeeds but one success is not enough to close.
	if err := r.Execute(context.Background(), "email-service", ok); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if st := r.State("email-service"); st != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after one success", st)
	}

	if err := r.Execute(context.Background(), "email-service", ok); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if st := r.State("email-service"); st != StateClosed {
		t.Fatalf("state = %v, want closed after success threshold", st)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	r, now := newTestRegistry(Config{FailureThreshold: 1, Timeout: 30 * time.Second})
	_ = r.Execute(context.Background(), "push-service", fail)

	*now = now.Add(time.Minute)
	if err := r.Execute(context.Background(), "push-service", fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want %v", err, errBoom)
	}
	if st := r.State("push-service"); st != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", st)
	}

	// The failed probe restarts the open timeout.
	if err := r.Execute(context.Background(), "push-service", ok); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen right after reopen", err)
	}
}

func TestErrorRateTrip(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(Config{
		FailureThreshold:   100, // consecutive rule out of the way
		ErrorRateThreshold: 50,
		MinimumVolume:      10,
		Window:             time.Minute,
	})

	// Alternate success/failure so consecutive failures never accumulate,
	// then push the windowed rate past 50%.
	for i := 0; i < 5; i++ {
		_ = r.Execute(context.Background(), "email-service", ok)
		_ = r.Execute(context.Background(), "email-service", fail)
	}
	if st := r.State("email-service"); st != StateClosed {
		t.Fatalf("state = %v, want closed at exactly 50%%", st)
	}

	_ = r.Execute(context.Background(), "email-service", fail)
	if st := r.State("email-service"); st != StateOpen {
		t.Fatalf("state = %v, want open past rate threshold", st)
	}
}

func TestRateIgnoredBelowMinimumVolume(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(Config{FailureThreshold: 100, ErrorRateThreshold: 50, MinimumVolume: 10})

	for i := 0; i < 4; i++ {
		_ = r.Execute(context.Background(), "sms-service", fail)
		_ = r.Execute(context.Background(), "sms-service", ok)
	}
	if st := r.State("sms-service"); st != StateClosed {
		t.Fatalf("state = %v, want closed below minimum volume", st)
	}
}

func TestForceCloseAndReset(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(Config{FailureThreshold: 1})
	_ = r.Execute(context.Background(), "email-service", fail)

	r.ForceClose("email-service")
	if st := r.State("email-service"); st != StateClosed {
		t.Fatalf("state = %v, want closed after ForceClose", st)
	}

	_ = r.Execute(context.Background(), "email-service", fail)
	r.Reset("email-service")
	if st := r.State("email-service"); st != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", st)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("snapshot not empty after Reset: %v", r.Snapshot())
	}
}

func TestStateChangeEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := New(Config{FailureThreshold: 1}, bus, logx.Nop())
	_ = r.Execute(context.Background(), "email-service", fail)

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeCircuitState {
			t.Fatalf("event type = %s, want %s", ev.Type, eventbus.TypeCircuitState)
		}
		sc, okType := ev.Data.(StateChange)
		if !okType {
			t.Fatalf("event data type = %T", ev.Data)
		}
		if sc.Service != "email-service" || sc.To != StateOpen {
			t.Fatalf("unexpected change: %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change event published")
	}
}
