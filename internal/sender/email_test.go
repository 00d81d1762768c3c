package sender

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"glorianotify/internal/breaker"
	"glorianotify/internal/config"
	"glorianotify/internal/kit"
	logx "glorianotify/pkg/logx"
)

type fakeSink struct {
	mu      sync.Mutex
	emails  []kit.EmailPayload
	pushes  []kit.PushPayload
	smses   []kit.SMSPayload
	reasons []string
}

func (f *fakeSink) StoreFailedEmail(p kit.EmailPayload, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, p)
	f.reasons = append(f.reasons, reason)
}

func (f *fakeSink) StoreFailedPush(p kit.PushPayload, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, p)
	f.reasons = append(f.reasons, reason)
}

func (f *fakeSink) StoreFailedSMS(p kit.SMSPayload, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smses = append(f.smses, p)
	f.reasons = append(f.reasons, reason)
}

func testBreaker() *breaker.Registry {
	return breaker.New(breaker.Config{}, nil, logx.Nop())
}

func smtpConfig() config.EmailConfig {
	return config.EmailConfig{
		From: "hr@example.com",
		SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 587},
	}
}

// newSMTPEmailSender builds a sender whose SMTP transport is the given fake.
func newSMTPEmailSender(sink FallbackSink, send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error) *EmailSender {
	s := NewEmailSender(smtpConfig(), testBreaker(), sink, logx.Nop())
	s.direct.(*smtpProvider).sendMail = send
	return s
}

func TestEmailSendSuccess(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	var gotTo []string
	var gotMsg []byte
	s := newSMTPEmailSender(sink, func(_ string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	})

	ok := s.Send(context.Background(), kit.EmailPayload{
		To:      "user@example.com",
		Subject: "Leave approved",
		HTML:    "<p>approved</p>",
	})
	if !ok {
		t.Fatal("Send = false, want true")
	}
	if len(gotTo) != 1 || gotTo[0] != "user@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	if !strings.Contains(string(gotMsg), "Content-Type: text/html") {
		t.Fatalf("message missing html content type:\n%s", gotMsg)
	}
	if len(sink.emails) != 0 {
		t.Fatalf("fallback received %d entries on success", len(sink.emails))
	}
}

func TestEmailInvalidAddressDroppedWithoutFallback(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	called := false
	s := newSMTPEmailSender(sink, func(string, smtp.Auth, string, []string, []byte) error {
		called = true
		return nil
	})

	if s.Send(context.Background(), kit.EmailPayload{To: "not-an-address"}) {
		t.Fatal("Send = true for invalid address")
	}
	if called {
		t.Fatal("transport called for invalid address")
	}
	if len(sink.emails) != 0 {
		t.Fatal("invalid address must not be queued for retry")
	}
}

func TestEmailTransientFailureGoesToFallback(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := newSMTPEmailSender(sink, func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	})

	if s.Send(context.Background(), kit.EmailPayload{To: "user@example.com", Subject: "x"}) {
		t.Fatal("Send = true on transport failure")
	}
	if len(sink.emails) != 1 {
		t.Fatalf("fallback entries = %d, want 1", len(sink.emails))
	}
	if !strings.Contains(sink.reasons[0], "connection refused") {
		t.Fatalf("reason = %q", sink.reasons[0])
	}
}

func TestEmailNotConfiguredGoesToFallback(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := NewEmailSender(config.EmailConfig{}, testBreaker(), sink, logx.Nop())
	if s.Configured() {
		t.Fatal("empty config reported as configured")
	}

	if s.Send(context.Background(), kit.EmailPayload{To: "user@example.com"}) {
		t.Fatal("Send = true without transport")
	}
	if len(sink.emails) != 1 || sink.reasons[0] != reasonNotConfigured {
		t.Fatalf("fallback = %d entries, reasons = %v", len(sink.emails), sink.reasons)
	}
}

func TestEmailOpenCircuitQueuesWithoutSending(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	br := breaker.New(breaker.Config{FailureThreshold: 1}, nil, logx.Nop())
	calls := 0
	s := NewEmailSender(smtpConfig(), br, sink, logx.Nop())
	s.direct.(*smtpProvider).sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return errors.New("down")
	}

	_ = s.Send(context.Background(), kit.EmailPayload{To: "user@example.com"}) // trips the circuit
	_ = s.Send(context.Background(), kit.EmailPayload{To: "user@example.com"}) // rejected by the circuit

	if calls != 1 {
		t.Fatalf("transport calls = %d, want 1", calls)
	}
	if len(sink.emails) != 2 {
		t.Fatalf("fallback entries = %d, want 2", len(sink.emails))
	}
}

func TestEmailRetryReturnsErrorWithoutEnqueueing(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := newSMTPEmailSender(sink, func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("still down")
	})

	err := s.Retry(context.Background(), kit.EmailPayload{To: "user@example.com"})
	if err == nil {
		t.Fatal("Retry error = nil, want failure")
	}
	if len(sink.emails) != 0 {
		t.Fatalf("Retry enqueued %d entries", len(sink.emails))
	}
}

func TestBuildMessagePrefersHTML(t *testing.T) {
	t.Parallel()
	msg := string(buildMessage("hr@example.com", kit.EmailPayload{
		To:      "user@example.com",
		Subject: "s",
		Text:    "plain",
		HTML:    "<b>rich</b>",
	}))
	if !strings.Contains(msg, "text/html") || !strings.Contains(msg, "<b>rich</b>") {
		t.Fatalf("html body not used:\n%s", msg)
	}
	if strings.Contains(msg, "plain") {
		t.Fatalf("plain body leaked into html message:\n%s", msg)
	}
}

func TestNewProviderUnknownName(t *testing.T) {
	t.Parallel()
	if _, err := NewProvider("sendgrid", config.EmailConfig{}); err == nil {
		t.Fatal("expected error for unknown provider name")
	}
	p, err := NewProvider("", config.EmailConfig{})
	if err != nil || p != nil {
		t.Fatalf("empty name: provider = %v, err = %v", p, err)
	}
}
