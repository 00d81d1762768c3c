package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"glorianotify/internal/eventbus"
	"glorianotify/internal/kit"
	"glorianotify/internal/metrics"
	"glorianotify/internal/prefs"
	"glorianotify/internal/sender"
	"glorianotify/internal/storage"
	logx "glorianotify/pkg/logx"
)

// Directory resolves recipient addressing when the notification doesn't
// carry explicit overrides. A nil Directory means only explicit addresses
// are usable for email and sms.
type Directory interface {
	Email(ctx context.Context, userID string) (string, error)
	Phone(ctx context.Context, userID string) (string, error)
}

// InboxStore is the slice of storage the dispatcher writes in-app rows to.
type InboxStore interface {
	AppendInbox(ctx context.Context, item storage.InboxItem) error
}

// Config controls dispatch behavior.
type Config struct {
	// BatchSize is how many users one bulk batch fans out to concurrently.
	BatchSize int
	// Pause is the gap between bulk batches.
	Pause time.Duration
	// SendTimeout caps one full Send (all channels).
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Pause <= 0 {
		c.Pause = 250 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Service is the delivery pipeline entry point: it asks the preference
// engine which channels apply, fans out to the channel senders, and records
// frequency on success. It also implements the retry path the fallback
// queue drives, going straight to the transports.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	prefs *prefs.Engine
	inbox InboxStore
	email *sender.EmailSender
	push  *sender.PushSender
	sms   *sender.SMSSender
	dir   Directory

	metrics *metrics.Service // may be nil
	limiter *rate.Limiter

	now func() time.Time
}

func New(cfg Config, eng *prefs.Engine, inbox InboxStore, email *sender.EmailSender, push *sender.PushSender, sms *sender.SMSSender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		prefs:   eng,
		inbox:   inbox,
		email:   email,
		push:    push,
		sms:     sms,
		limiter: rate.NewLimiter(rate.Every(cfg.Pause), 1),
		now:     time.Now,
	}
}

// SetDirectory installs the recipient address resolver. Optional.
func (s *Service) SetDirectory(d Directory) { s.dir = d }

// SetMetrics installs the counters. Optional; nil disables instrumentation.
func (s *Service) SetMetrics(m *metrics.Service) { s.metrics = m }

// Send delivers one notification and reports whether at least one channel
// accepted it. Delivery failures never surface as errors; they land in the
// fallback queue via the senders.
func (s *Service) Send(ctx context.Context, n kit.Notification) bool {
	sent, _ := s.send(ctx, n)
	return sent
}

func (s *Service) send(ctx context.Context, n kit.Notification) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	dec, err := s.prefs.Check(ctx, n.UserID, n.Type, n.Priority)
	if err != nil {
		// Preference lookups failing must not silence the pipeline; fall
		// back to the inbox, which has no external dependency.
		s.log.Warn("preference check failed; delivering in-app only",
			logx.String("user", n.UserID), logx.Err(err))
		dec = prefs.Decision{ShouldSend: true, Channels: []kit.Channel{kit.ChannelInApp}}
	}
	if !dec.ShouldSend {
		s.log.Debug("notification blocked",
			logx.String("user", n.UserID),
			logx.String("type", string(n.Type)),
			logx.String("reason", dec.BlockedReason))
		if s.metrics != nil {
			s.metrics.Blocked.WithLabelValues(string(n.Type), dec.BlockedReason).Inc()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyBlocked, Time: s.now(), Data: map[string]string{
			"user":   n.UserID,
			"type":   string(n.Type),
			"reason": dec.BlockedReason,
		}})
		return false, dec.BlockedReason
	}

	delivered := false
	for _, ch := range dec.Channels {
		start := s.now()
		ok := s.sendChannel(ctx, ch, n)
		if s.metrics != nil {
			s.metrics.SendDuration.WithLabelValues(string(ch)).Observe(s.now().Sub(start).Seconds())
			if ok {
				s.metrics.Sent.WithLabelValues(string(n.Type), string(n.Priority), string(ch)).Inc()
			} else {
				s.metrics.Failed.WithLabelValues(string(n.Type), string(n.Priority), string(ch)).Inc()
			}
		}
		if ok {
			delivered = true
		}
	}

	if delivered {
		if err := s.prefs.TrackSent(ctx, n.UserID, n.Type); err != nil {
			s.log.Warn("frequency tracking failed", logx.String("user", n.UserID), logx.Err(err))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: s.now(), Data: map[string]string{
			"user": n.UserID,
			"type": string(n.Type),
		}})
	}
	return delivered, ""
}

func (s *Service) sendChannel(ctx context.Context, ch kit.Channel, n kit.Notification) bool {
	switch ch {
	case kit.ChannelInApp:
		err := s.inbox.AppendInbox(ctx, storage.InboxItem{
			ID:        uuid.NewString(),
			UserID:    n.UserID,
			Type:      n.Type,
			Priority:  n.Priority,
			Title:     n.Title,
			Body:      n.Body,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			s.log.Warn("inbox write failed", logx.String("user", n.UserID), logx.Err(err))
			return false
		}
		return true

	case kit.ChannelEmail:
		to := n.Email
		if to == "" && s.dir != nil {
			addr, err := s.dir.Email(ctx, n.UserID)
			if err != nil {
				s.log.Warn("email address lookup failed", logx.String("user", n.UserID), logx.Err(err))
				return false
			}
			to = addr
		}
		if to == "" {
			s.log.Debug("email skipped: no address", logx.String("user", n.UserID))
			return false
		}
		return s.email.Send(ctx, kit.EmailPayload{
			To:      to,
			Subject: n.Title,
			Text:    n.Body,
			HTML:    n.HTML,
		})

	case kit.ChannelPush:
		return s.push.SendToUser(ctx, n.UserID, n.Title, n.Body)

	case kit.ChannelSMS:
		to := n.Phone
		if to == "" && s.dir != nil {
			num, err := s.dir.Phone(ctx, n.UserID)
			if err != nil {
				s.log.Warn("phone lookup failed", logx.String("user", n.UserID), logx.Err(err))
				return false
			}
			to = num
		}
		if to == "" {
			s.log.Debug("sms skipped: no number", logx.String("user", n.UserID))
			return false
		}
		body := n.Body
		if body == "" {
			body = n.Title
		}
		return s.sms.Send(ctx, kit.SMSPayload{To: to, Body: body})

	default:
		s.log.Warn("unknown channel", logx.String("channel", string(ch)))
		return false
	}
}

// SendBulk fans one notification template out to many users, in concurrent
// batches with a pause between them so a big announcement doesn't flood the
// transports. Per-user addressing overrides in the template are ignored.
func (s *Service) SendBulk(ctx context.Context, userIDs []string, tmpl kit.Notification) []kit.SendResult {
	results := make([]kit.SendResult, len(userIDs))

	for lo := 0; lo < len(userIDs); lo += s.cfg.BatchSize {
		if lo > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				for i := lo; i < len(userIDs); i++ {
					results[i] = kit.SendResult{UserID: userIDs[i], Blocked: "canceled", At: s.now()}
				}
				s.log.Warn("bulk send canceled",
					logx.Int("delivered_to", lo), logx.Int("total", len(userIDs)))
				return results
			}
		}
		hi := min(lo+s.cfg.BatchSize, len(userIDs))

		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				n := tmpl
				n.UserID = userIDs[i]
				n.Email, n.Phone = "", ""
				sent, reason := s.send(ctx, n)
				results[i] = kit.SendResult{UserID: n.UserID, Sent: sent, Blocked: reason, At: s.now()}
			}(i)
		}
		wg.Wait()
	}
	return results
}

// RetryEmail, RetryPush and RetrySMS are the fallback queue's direct line
// to the transports. They must not enqueue again on failure; the queue owns
// the retry bookkeeping.

func (s *Service) RetryEmail(ctx context.Context, p kit.EmailPayload) error {
	return s.email.Retry(ctx, p)
}

func (s *Service) RetryPush(ctx context.Context, p kit.PushPayload) error {
	return s.push.Retry(ctx, p)
}

func (s *Service) RetrySMS(ctx context.Context, p kit.SMSPayload) error {
	return s.sms.Retry(ctx, p)
}
