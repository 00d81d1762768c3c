package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"glorianotify/internal/eventbus"
	"glorianotify/internal/kit"
	"glorianotify/internal/storage"
	logx "glorianotify/pkg/logx"
)

var ErrNotQueued = errors.New("fallback: entry not queued")

// Service is the retry queue for notifications that could not be delivered
// immediately.
//
// The durable queue is the single source of truth when reachable: an entry
// either goes to the broker or to the in-memory list, never both. The
// in-memory list is strictly a degraded mode for broker outages.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus

	pub  Publisher // may be nil (queue disabled)
	dead DeadLetterStore

	retrier Retrier

	entries []*Entry

	stopCh  chan struct{}
	stopped chan struct{}
	started bool

	// now is a test seam.
	now func() time.Time
}

func New(cfg Config, pub Publisher, dead DeadLetterStore, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		pub:  pub,
		dead: dead,
		now:  time.Now,
	}
}

// SetRetrier wires the delivery path used by the in-memory retry loop.
// Must be called before Start; it lives apart from New because senders and
// the queue reference each other.
func (s *Service) SetRetrier(r Retrier) {
	s.mu.Lock()
	s.retrier = r
	s.mu.Unlock()
}

// Start launches the retry loop. Safe to call once.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	interval := s.cfg.RetryInterval
	s.mu.Unlock()

	go func() {
		defer close(s.stopped)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				s.processDue(context.Background())
			}
		}
	}()
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.stopped
	s.mu.Unlock()
	<-done
}

// Backoff returns the delay before the attempt after retryCount failures:
// min(initial * 2^retryCount, max).
func (c Config) Backoff(retryCount int) time.Duration {
	d := c.InitialDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// ---- enqueue ----

func (s *Service) StoreFailedEmail(p kit.EmailPayload, reason string) {
	s.store(KindEmail, p.To, p, s.cfg.EmailMaxRetries, reason)
}

func (s *Service) StoreFailedPush(p kit.PushPayload, reason string) {
	s.store(KindPush, p.Endpoint, p, s.cfg.PushMaxRetries, reason)
}

func (s *Service) StoreFailedSMS(p kit.SMSPayload, reason string) {
	s.store(KindSMS, p.To, p, s.cfg.SMSMaxRetries, reason)
}

func (s *Service) store(kind Kind, recipient string, payload any, maxRetries int, reason string) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("fallback payload marshal failed", logx.Err(err))
		return
	}

	now := s.now()
	e := &Entry{
		ID:          uuid.NewString(),
		Kind:        kind,
		Recipient:   recipient,
		Payload:     body,
		MaxRetries:  maxRetries,
		LastError:   reason,
		CreatedAt:   now,
		NextAttempt: now.Add(s.cfg.InitialDelay),
	}

	// Durable queue first; the in-memory list only absorbs broker outages.
	if s.pub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.pub.Publish(ctx, Job{
			Name:       JobFallback,
			Kind:       kind,
			Recipient:  recipient,
			Payload:    body,
			Reason:     reason,
			RetryCount: 0,
			MaxRetries: maxRetries,
			Delay:      time.Minute,
		})
		cancel()
		if err == nil {
			s.publishEvent(eventbus.TypeNotifyQueued, e, "")
			return
		}
		s.log.Warn("durable queue publish failed; using memory queue", logx.Err(err))
	}

	s.mu.Lock()
	if len(s.entries) >= s.cfg.MemoryLimit {
		evict := s.cfg.EvictBatch
		if evict > len(s.entries) {
			evict = len(s.entries)
		}
		s.entries = append(s.entries[:0], s.entries[evict:]...)
		s.log.Warn("memory queue overflow; oldest entries evicted", logx.Int("evicted", evict))
	}
	s.entries = append(s.entries, e)
	depth := len(s.entries)
	s.mu.Unlock()

	s.publishEvent(eventbus.TypeNotifyQueued, e, "")
	s.log.Debug("notification queued for retry",
		logx.String("id", e.ID),
		logx.String("kind", string(kind)),
		logx.Int("queue_depth", depth),
	)
}

// Depth reports the in-memory queue size (for metrics).
func (s *Service) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot copies the queued entries (for /status style introspection).
func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// ---- retry processing ----

// processDue retries every due entry once.
func (s *Service) processDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*Entry, 0, 4)
	for _, e := range s.entries {
		if e.inflight {
			continue
		}
		if !e.NextAttempt.After(now) && e.RetryCount < e.MaxRetries {
			e.inflight = true
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.attempt(ctx, e)
	}
}

// ProcessNow retries one queued entry immediately, ignoring its schedule.
// Operator escape hatch.
func (s *Service) ProcessNow(ctx context.Context, id string) error {
	s.mu.Lock()
	var target *Entry
	for _, e := range s.entries {
		if e.ID == id {
			target = e
			break
		}
	}
	if target == nil || target.inflight {
		s.mu.Unlock()
		return ErrNotQueued
	}
	target.inflight = true
	s.mu.Unlock()

	s.attempt(ctx, target)
	return nil
}

// attempt runs one delivery attempt for e (e.inflight must be set).
func (s *Service) attempt(ctx context.Context, e *Entry) {
	err := s.redeliver(ctx, e)
	now := s.now()

	s.mu.Lock()
	e.inflight = false
	e.LastAttempt = now

	if err == nil {
		s.removeLocked(e.ID)
		s.mu.Unlock()
		s.log.Info("queued notification delivered",
			logx.String("id", e.ID),
			logx.String("kind", string(e.Kind)),
			logx.Int("retries", e.RetryCount),
		)
		return
	}

	e.RetryCount++
	e.LastError = err.Error()

	if e.RetryCount >= e.MaxRetries {
		s.removeLocked(e.ID)
		s.mu.Unlock()
		s.deadLetter(ctx, e)
		return
	}

	e.NextAttempt = now.Add(s.cfg.Backoff(e.RetryCount))
	next := e.NextAttempt
	s.mu.Unlock()

	s.log.Debug("retry failed; rescheduled",
		logx.String("id", e.ID),
		logx.Int("retry", e.RetryCount),
		logx.Int("max", e.MaxRetries),
		logx.Time("next", next),
		logx.Err(err),
	)
}

func (s *Service) redeliver(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	r := s.retrier
	s.mu.Unlock()
	if r == nil {
		return errors.New("no retrier configured")
	}

	switch e.Kind {
	case KindEmail:
		var p kit.EmailPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.RetryEmail(ctx, p)
	case KindPush:
		var p kit.PushPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.RetryPush(ctx, p)
	case KindSMS:
		var p kit.SMSPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return r.RetrySMS(ctx, p)
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
}

func (s *Service) removeLocked(id string) {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// deadLetter records a permanent failure exactly once. The entry has already
// been removed from the active queue; nothing will retry it again.
func (s *Service) deadLetter(ctx context.Context, e *Entry) {
	s.log.Warn("notification dead-lettered",
		logx.String("id", e.ID),
		logx.String("kind", string(e.Kind)),
		logx.String("recipient", e.Recipient),
		logx.Int("retries", e.RetryCount),
		logx.String("last_error", e.LastError),
	)

	if s.dead != nil {
		err := s.dead.AppendDeadLetter(ctx, storage.DeadLetter{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Recipient: e.Recipient,
			Payload:   string(e.Payload),
			Reason:    e.LastError,
			Retries:   e.RetryCount,
			FailedAt:  s.now(),
		})
		if err != nil {
			s.log.Error("dead-letter persist failed", logx.String("id", e.ID), logx.Err(err))
		}
	}

	// Best-effort broker notification for external alerting.
	if s.pub != nil {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.pub.Publish(pctx, Job{
			Name:       JobDeadLetter,
			Kind:       e.Kind,
			Recipient:  e.Recipient,
			Payload:    e.Payload,
			Reason:     e.LastError,
			RetryCount: e.RetryCount,
			MaxRetries: e.MaxRetries,
		})
		cancel()
		if err != nil {
			s.log.Debug("dead-letter publish failed", logx.Err(err))
		}
	}

	s.publishEvent(eventbus.TypeNotifyDeadLetter, e, e.LastError)
}

type queueEvent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	Retries   int    `json:"retries"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) publishEvent(typ string, e *Entry, errStr string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Data: queueEvent{ID: e.ID, Kind: string(e.Kind), Recipient: e.Recipient, Retries: e.RetryCount, Error: errStr},
	})
}
