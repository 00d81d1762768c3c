package storage

import (
	"context"
	"errors"
	"time"

	"glorianotify/internal/kit"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Preference is the per-user notification preference record.
//
// Created lazily on first update; absence means "defaults apply"
// (allowed, in-app only). Never hard-deleted.
type Preference struct {
	UserID   string
	Enabled  bool
	Timezone string // IANA name; empty means UTC

	// Quiet hours as "HH:MM" time-of-day in the user's timezone.
	// Both empty disables the window. End < start means overnight.
	QuietStart string
	QuietEnd   string

	DefaultChannels []kit.Channel

	// 0 disables the corresponding cap.
	MaxDaily  int
	MaxHourly int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelPreference is a per (user, type) override.
// At most one row per (user, type) pair.
type ChannelPreference struct {
	UserID      string
	Type        kit.Type
	Enabled     bool
	Channels    []kit.Channel
	MinPriority kit.Priority
	DailyLimit  int // 0 disables the type-specific cap
}

// Unsubscribe records an opt-out. Nil Type/Channel mean "all".
// At most one active (non-resubscribed) row per (user, type, channel).
type Unsubscribe struct {
	ID      string
	UserID  string
	Type    *kit.Type
	Channel *kit.Channel

	// Token lets the user resubscribe from an email footer link.
	Token string

	CreatedAt      time.Time
	ResubscribedAt *time.Time
}

// WindowKind selects a frequency-tracking bucket size.
type WindowKind string

const (
	WindowHourly WindowKind = "hourly"
	WindowDaily  WindowKind = "daily"
)

// PushSubscription is one browser push endpoint for a user.
type PushSubscription struct {
	UserID    string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// DeadLetter is the permanent audit record of a notification that exhausted
// its retries. Dead letters are never retried automatically.
type DeadLetter struct {
	ID        string
	Kind      string // EMAIL, PUSH, SMS
	Recipient string
	Payload   string // JSON of the original payload
	Reason    string
	Retries   int
	FailedAt  time.Time
}

// InboxItem is an in-app notification row.
type InboxItem struct {
	ID        string
	UserID    string
	Type      kit.Type
	Priority  kit.Priority
	Title     string
	Body      string
	Read      bool
	CreatedAt time.Time
}

// Store is the persistence boundary for the notification subsystem.
//
// All methods are safe for concurrent use. Frequency increments are atomic
// at the SQL layer (upsert-increment), so concurrent sends can't lose counts.
type Store interface {
	// Preferences.
	GetPreference(ctx context.Context, userID string) (*Preference, error) // nil, nil when absent
	UpsertPreference(ctx context.Context, p Preference) error
	GetChannelPreference(ctx context.Context, userID string, typ kit.Type) (*ChannelPreference, error) // nil, nil when absent
	UpsertChannelPreference(ctx context.Context, cp ChannelPreference) error

	// Unsubscribes.
	AddUnsubscribe(ctx context.Context, userID string, typ *kit.Type, ch *kit.Channel) (token string, err error)
	Resubscribe(ctx context.Context, token string) error
	HasActiveUnsubscribe(ctx context.Context, userID string, typ kit.Type) (bool, error)
	UnsubscribedChannels(ctx context.Context, userID string, typ kit.Type) ([]kit.Channel, error)

	// Frequency tracking.
	IncrementFrequency(ctx context.Context, userID string, typ kit.Type, kind WindowKind, windowStart time.Time) error
	AggregateCount(ctx context.Context, userID string, kind WindowKind, windowStart time.Time) (int, error)
	TypeCount(ctx context.Context, userID string, typ kit.Type, kind WindowKind, windowStart time.Time) (int, error)
	PurgeFrequencyBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Push subscriptions.
	SavePushSubscription(ctx context.Context, sub PushSubscription) error
	PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error

	// Dead letters + inbox.
	AppendDeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	AppendInbox(ctx context.Context, item InboxItem) error

	Close() error
}
