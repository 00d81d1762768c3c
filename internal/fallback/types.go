package fallback

import (
	"context"
	"encoding/json"
	"time"

	"glorianotify/internal/kit"
	"glorianotify/internal/storage"
)

// Kind of a queued retry unit.
type Kind string

const (
	KindEmail Kind = "EMAIL"
	KindPush  Kind = "PUSH"
	KindSMS   Kind = "SMS"
)

// Job names understood by the external queue worker.
const (
	JobFallback   = "fallback-notification"
	JobRetry      = "retry-notification"
	JobDeadLetter = "dead-letter"
)

// Entry is one queued retry unit on the in-memory path.
type Entry struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	NextAttempt time.Time `json:"next_attempt"`

	// inflight guards against the ticker and ProcessNow retrying the same
	// entry concurrently.
	inflight bool
}

// Job is what gets published to the durable queue.
type Job struct {
	Name       string          `json:"name"`
	Kind       Kind            `json:"kind"`
	Recipient  string          `json:"recipient"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Delay      time.Duration   `json:"-"`
}

// Publisher is the durable queue backend. Publish errors make the service
// degrade to its in-memory list; they are never surfaced to senders.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Retrier re-attempts delivery of a payload directly through the transports.
// Implementations must NOT hand failures back to the fallback queue.
type Retrier interface {
	RetryEmail(ctx context.Context, p kit.EmailPayload) error
	RetryPush(ctx context.Context, p kit.PushPayload) error
	RetrySMS(ctx context.Context, p kit.SMSPayload) error
}

// DeadLetterStore persists the permanent failure audit trail.
type DeadLetterStore interface {
	AppendDeadLetter(ctx context.Context, dl storage.DeadLetter) error
}

// Config controls the retry queue.
type Config struct {
	// RetryInterval is the in-memory processing cadence.
	RetryInterval time.Duration

	// MemoryLimit caps the in-memory list; EvictBatch oldest entries are
	// dropped on overflow.
	MemoryLimit int
	EvictBatch  int

	EmailMaxRetries int
	PushMaxRetries  int
	SMSMaxRetries   int

	// InitialDelay seeds the backoff schedule; MaxDelay bounds it.
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1000
	}
	if c.EvictBatch <= 0 {
		c.EvictBatch = 10
	}
	if c.EmailMaxRetries <= 0 {
		c.EmailMaxRetries = 5
	}
	if c.PushMaxRetries <= 0 {
		c.PushMaxRetries = 3
	}
	if c.SMSMaxRetries <= 0 {
		c.SMSMaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 24 * time.Hour
	}
	return c
}
