package sender

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"glorianotify/internal/kit"
	"glorianotify/internal/storage"
	logx "glorianotify/pkg/logx"
)

type fakeSubStore struct {
	mu      sync.Mutex
	subs    []storage.PushSubscription
	deleted []string
}

func (f *fakeSubStore) PushSubscriptions(context.Context, string) ([]storage.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.PushSubscription(nil), f.subs...), nil
}

func (f *fakeSubStore) DeletePushSubscription(_ context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, endpoint)
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	status map[string]int // endpoint -> status
	err    error
	sent   []kit.PushPayload
}

func (f *fakeTransport) Send(_ context.Context, _ []byte, p kit.PushPayload) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, p)
	if st, ok := f.status[p.Endpoint]; ok {
		return st, nil
	}
	return http.StatusCreated, nil
}

func newTestPushSender(store *fakeSubStore, tr *fakeTransport, sink FallbackSink) *PushSender {
	return &PushSender{
		log:        logx.Nop(),
		breaker:    testBreaker(),
		fallback:   sink,
		store:      store,
		transport:  tr,
		configured: true,
	}
}

func sub(endpoint string) storage.PushSubscription {
	return storage.PushSubscription{UserID: "u1", Endpoint: endpoint, P256dh: "p", Auth: "a"}
}

func TestPushFanOut(t *testing.T) {
	t.Parallel()
	store := &fakeSubStore{subs: []storage.PushSubscription{sub("https://push/1"), sub("https://push/2")}}
	tr := &fakeTransport{}
	s := newTestPushSender(store, tr, &fakeSink{})

	if !s.SendToUser(context.Background(), "u1", "title", "body") {
		t.Fatal("SendToUser = false")
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d payloads, want 2", len(tr.sent))
	}
}

func TestPushNoSubscriptions(t *testing.T) {
	t.Parallel()
	s := newTestPushSender(&fakeSubStore{}, &fakeTransport{}, &fakeSink{})
	if s.SendToUser(context.Background(), "u1", "t", "b") {
		t.Fatal("SendToUser = true without subscriptions")
	}
}

func TestPushGoneSubscriptionRemoved(t *testing.T) {
	t.Parallel()
	store := &fakeSubStore{subs: []storage.PushSubscription{sub("https://push/stale"), sub("https://push/live")}}
	tr := &fakeTransport{status: map[string]int{"https://push/stale": http.StatusGone}}
	sink := &fakeSink{}
	s := newTestPushSender(store, tr, sink)

	if !s.SendToUser(context.Background(), "u1", "t", "b") {
		t.Fatal("SendToUser = false; the live subscription accepted")
	}
	if len(store.deleted) != 1 || store.deleted[0] != "https://push/stale" {
		t.Fatalf("deleted = %v, want the stale endpoint", store.deleted)
	}
	// A dropped subscription is a permanent recipient error, not retryable.
	if len(sink.pushes) != 0 {
		t.Fatalf("fallback received %d entries for a gone subscription", len(sink.pushes))
	}
}

func TestPushTransientFailureGoesToFallback(t *testing.T) {
	t.Parallel()
	store := &fakeSubStore{subs: []storage.PushSubscription{sub("https://push/1")}}
	tr := &fakeTransport{err: errors.New("timeout")}
	sink := &fakeSink{}
	s := newTestPushSender(store, tr, sink)

	if s.SendToUser(context.Background(), "u1", "t", "b") {
		t.Fatal("SendToUser = true on transport failure")
	}
	if len(sink.pushes) != 1 {
		t.Fatalf("fallback entries = %d, want 1", len(sink.pushes))
	}
}

func TestPushNotConfigured(t *testing.T) {
	t.Parallel()
	store := &fakeSubStore{subs: []storage.PushSubscription{sub("https://push/1")}}
	sink := &fakeSink{}
	s := newTestPushSender(store, &fakeTransport{}, sink)
	s.configured = false

	if s.SendToUser(context.Background(), "u1", "t", "b") {
		t.Fatal("SendToUser = true without VAPID keys")
	}
	if len(sink.pushes) != 1 || sink.reasons[0] != reasonNotConfigured {
		t.Fatalf("fallback = %d, reasons = %v", len(sink.pushes), sink.reasons)
	}
}

func TestPushRetrySurfacesPermanentError(t *testing.T) {
	t.Parallel()
	store := &fakeSubStore{}
	tr := &fakeTransport{status: map[string]int{"https://push/stale": http.StatusNotFound}}
	sink := &fakeSink{}
	s := newTestPushSender(store, tr, sink)

	err := s.Retry(context.Background(), kit.PushPayload{Endpoint: "https://push/stale", Title: "t"})
	if err == nil {
		t.Fatal("Retry error = nil for a dropped subscription")
	}
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if len(sink.pushes) != 0 {
		t.Fatal("Retry must not enqueue")
	}
}
