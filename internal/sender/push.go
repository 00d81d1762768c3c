package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"glorianotify/internal/breaker"
	"glorianotify/internal/config"
	"glorianotify/internal/kit"
	"glorianotify/internal/storage"
	logx "glorianotify/pkg/logx"
)

// SubscriptionStore is the narrow storage view the push sender needs.
type SubscriptionStore interface {
	PushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// pushTransport abstracts the web-push wire call for tests.
type pushTransport interface {
	Send(ctx context.Context, message []byte, p kit.PushPayload) (status int, err error)
}

// PushSender delivers web-push notifications to every subscription a user
// registered, guarded by the push-service circuit.
type PushSender struct {
	log      logx.Logger
	breaker  *breaker.Registry
	fallback FallbackSink
	store    SubscriptionStore

	transport pushTransport

	configured bool
}

func NewPushSender(cfg config.PushConfig, store SubscriptionStore, br *breaker.Registry, fb FallbackSink, log logx.Logger) *PushSender {
	s := &PushSender{
		log:      log,
		breaker:  br,
		fallback: fb,
		store:    store,
	}
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		log.Warn("push sender not configured: VAPID keys missing")
	} else {
		s.transport = &webpushTransport{cfg: cfg}
		s.configured = true
	}
	return s
}

// Configured reports whether VAPID keys were supplied.
func (s *PushSender) Configured() bool { return s.configured }

// SendToUser pushes to all of the user's subscriptions and reports whether
// at least one was accepted. A terminal "subscription gone" response removes
// that subscription before the failure reaches the circuit breaker.
func (s *PushSender) SendToUser(ctx context.Context, userID, title, body string) bool {
	subs, err := s.store.PushSubscriptions(ctx, userID)
	if err != nil {
		s.log.Warn("push subscription lookup failed", logx.String("user", userID), logx.Err(err))
		return false
	}
	if len(subs) == 0 {
		s.log.Debug("no push subscriptions", logx.String("user", userID))
		return false
	}

	accepted := 0
	for _, sub := range subs {
		p := kit.PushPayload{
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
			Title:    title,
			Body:     body,
		}
		if s.sendOne(ctx, p) {
			accepted++
		}
	}
	return accepted > 0
}

func (s *PushSender) sendOne(ctx context.Context, p kit.PushPayload) bool {
	if !s.configured {
		s.fallback.StoreFailedPush(p, reasonNotConfigured)
		return false
	}

	msg, err := json.Marshal(struct {
		Title string `json:"title"`
		Body  string `json:"body,omitempty"`
	}{Title: p.Title, Body: p.Body})
	if err != nil {
		return false
	}

	err = s.breaker.Execute(ctx, ServicePush, func(ctx context.Context) error {
		return s.deliver(ctx, msg, p)
	})
	if err == nil {
		return true
	}
	if IsPermanent(err) {
		return false
	}
	s.fallback.StoreFailedPush(p, err.Error())
	return false
}

func (s *PushSender) deliver(ctx context.Context, message []byte, p kit.PushPayload) error {
	status, err := s.transport.Send(ctx, message, p)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusGone || status == http.StatusNotFound:
		// Browser dropped the subscription; clean it up before the
		// failure is recorded.
		if derr := s.store.DeletePushSubscription(ctx, p.Endpoint); derr != nil {
			s.log.Warn("stale push subscription removal failed", logx.Err(derr))
		} else {
			s.log.Info("stale push subscription removed", logx.String("endpoint", p.Endpoint))
		}
		return Permanent(fmt.Errorf("subscription gone (%d)", status))
	default:
		return fmt.Errorf("push endpoint returned %d", status)
	}
}

// Retry re-attempts a single queued push delivery for the fallback queue.
// Permanent failures (dropped subscriptions) surface as errors too; the
// caller decides whether the entry is dead.
func (s *PushSender) Retry(ctx context.Context, p kit.PushPayload) error {
	if !s.configured {
		return errors.New(reasonNotConfigured)
	}
	msg, err := json.Marshal(struct {
		Title string `json:"title"`
		Body  string `json:"body,omitempty"`
	}{Title: p.Title, Body: p.Body})
	if err != nil {
		return err
	}
	return s.breaker.Execute(ctx, ServicePush, func(ctx context.Context) error {
		return s.deliver(ctx, msg, p)
	})
}

type webpushTransport struct {
	cfg config.PushConfig
}

func (t *webpushTransport) Send(ctx context.Context, message []byte, p kit.PushPayload) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, message, &webpush.Subscription{
		Endpoint: p.Endpoint,
		Keys: webpush.Keys{
			P256dh: p.P256dh,
			Auth:   p.Auth,
		},
	}, &webpush.Options{
		Subscriber:      t.cfg.Subscriber,
		VAPIDPublicKey:  t.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: t.cfg.VAPIDPrivateKey,
		TTL:             3600,
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}
