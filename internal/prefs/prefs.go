package prefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"glorianotify/internal/kit"
	"glorianotify/internal/storage"
	logx "glorianotify/pkg/logx"
)

// Blocked reasons surfaced in Decision.BlockedReason. Callers treat these as
// opaque strings; tests and metrics match on them.
const (
	ReasonDisabled      = "notifications disabled"
	ReasonUnsubscribed  = "unsubscribed"
	ReasonQuietHours    = "quiet hours"
	ReasonHourlyLimit   = "hourly limit reached"
	ReasonDailyLimit    = "daily limit reached"
	ReasonTypeDisabled  = "notification type disabled"
	ReasonBelowPriority = "below minimum priority"
	ReasonTypeDaily     = "type daily limit reached"
)

// Decision is the outcome of a preference check.
type Decision struct {
	ShouldSend    bool
	Channels      []kit.Channel
	BlockedReason string
}

func blocked(reason string) Decision { return Decision{BlockedReason: reason} }

// Store is the narrow storage view the engine needs.
type Store interface {
	GetPreference(ctx context.Context, userID string) (*storage.Preference, error)
	GetChannelPreference(ctx context.Context, userID string, typ kit.Type) (*storage.ChannelPreference, error)
	HasActiveUnsubscribe(ctx context.Context, userID string, typ kit.Type) (bool, error)
	UnsubscribedChannels(ctx context.Context, userID string, typ kit.Type) ([]kit.Channel, error)
	AggregateCount(ctx context.Context, userID string, kind storage.WindowKind, windowStart time.Time) (int, error)
	TypeCount(ctx context.Context, userID string, typ kit.Type, kind storage.WindowKind, windowStart time.Time) (int, error)
	IncrementFrequency(ctx context.Context, userID string, typ kit.Type, kind storage.WindowKind, windowStart time.Time) error
}

// Engine resolves whether and how a user should be notified.
type Engine struct {
	store Store
	log   logx.Logger

	// now is a test seam.
	now func() time.Time
}

func New(store Store, log logx.Logger) *Engine {
	return &Engine{store: store, log: log, now: time.Now}
}

// Check evaluates the send decision for one (user, type, priority).
//
// Evaluation order (first match wins):
//  1. no preference record -> allowed, in-app only
//  2. globally disabled
//  3. active unsubscribe covering all channels for this type
//  4. quiet hours
//  5. aggregate hourly/daily caps
//  6. type-specific channel preference (enabled, min priority, type daily cap)
//  7. default channel set
//
// Channel-scoped unsubscribes never block outright; they narrow the final
// channel set (and block only if nothing remains).
func (e *Engine) Check(ctx context.Context, userID string, typ kit.Type, prio kit.Priority) (Decision, error) {
	p, err := e.store.GetPreference(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load preference: %w", err)
	}
	if p == nil {
		return Decision{ShouldSend: true, Channels: []kit.Channel{kit.ChannelInApp}}, nil
	}
	if !p.Enabled {
		return blocked(ReasonDisabled), nil
	}

	unsub, err := e.store.HasActiveUnsubscribe(ctx, userID, typ)
	if err != nil {
		return Decision{}, fmt.Errorf("load unsubscribes: %w", err)
	}
	if unsub {
		return blocked(ReasonUnsubscribed), nil
	}

	now := e.now()
	if inQuietHours(now, p.QuietStart, p.QuietEnd, p.Timezone) {
		return blocked(ReasonQuietHours), nil
	}

	if p.MaxHourly > 0 {
		n, err := e.store.AggregateCount(ctx, userID, storage.WindowHourly, hourStart(now))
		if err != nil {
			return Decision{}, fmt.Errorf("hourly count: %w", err)
		}
		if n >= p.MaxHourly {
			return blocked(fmt.Sprintf("%s (%d/%d this hour)", ReasonHourlyLimit, n, p.MaxHourly)), nil
		}
	}
	if p.MaxDaily > 0 {
		n, err := e.store.AggregateCount(ctx, userID, storage.WindowDaily, dayStart(now))
		if err != nil {
			return Decision{}, fmt.Errorf("daily count: %w", err)
		}
		if n >= p.MaxDaily {
			return blocked(fmt.Sprintf("%s (%d/%d today)", ReasonDailyLimit, n, p.MaxDaily)), nil
		}
	}

	channels := p.DefaultChannels

	cp, err := e.store.GetChannelPreference(ctx, userID, typ)
	if err != nil {
		return Decision{}, fmt.Errorf("load channel preference: %w", err)
	}
	if cp != nil {
		if !cp.Enabled {
			return blocked(ReasonTypeDisabled), nil
		}
		if !prio.AtLeast(cp.MinPriority) {
			return blocked(fmt.Sprintf("%s (%s < %s)", ReasonBelowPriority, prio, cp.MinPriority)), nil
		}
		if cp.DailyLimit > 0 {
			n, err := e.store.TypeCount(ctx, userID, typ, storage.WindowDaily, dayStart(now))
			if err != nil {
				return Decision{}, fmt.Errorf("type daily count: %w", err)
			}
			if n >= cp.DailyLimit {
				return blocked(fmt.Sprintf("%s (%d/%d today)", ReasonTypeDaily, n, cp.DailyLimit)), nil
			}
		}
		channels = cp.Channels
	}

	channels = e.filterUnsubscribed(ctx, userID, typ, channels)
	if len(channels) == 0 {
		return blocked(ReasonUnsubscribed), nil
	}
	return Decision{ShouldSend: true, Channels: channels}, nil
}

// filterUnsubscribed drops channels the user opted out of individually.
// Lookup errors fail open: a broken unsubscribe read must not silence
// notifications wholesale.
func (e *Engine) filterUnsubscribed(ctx context.Context, userID string, typ kit.Type, channels []kit.Channel) []kit.Channel {
	if len(channels) == 0 {
		return channels
	}
	off, err := e.store.UnsubscribedChannels(ctx, userID, typ)
	if err != nil {
		e.log.Warn("unsubscribed channels lookup failed", logx.String("user", userID), logx.Err(err))
		return channels
	}
	if len(off) == 0 {
		return channels
	}
	out := channels[:0:0]
	for _, c := range channels {
		drop := false
		for _, o := range off {
			if c == o {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, c)
		}
	}
	return out
}

// TrackSent must be called after every actual send. It bumps both the hourly
// and daily counters for (user, type); windows truncate to the top of the
// hour and to UTC midnight.
func (e *Engine) TrackSent(ctx context.Context, userID string, typ kit.Type) error {
	now := e.now()
	if err := e.store.IncrementFrequency(ctx, userID, typ, storage.WindowHourly, hourStart(now)); err != nil {
		return fmt.Errorf("track hourly: %w", err)
	}
	if err := e.store.IncrementFrequency(ctx, userID, typ, storage.WindowDaily, dayStart(now)); err != nil {
		return fmt.Errorf("track daily: %w", err)
	}
	return nil
}

func hourStart(t time.Time) time.Time { return t.UTC().Truncate(time.Hour) }

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// inQuietHours reports whether now falls in the user's quiet window.
// start/end are "HH:MM" in the user's timezone; end < start means the window
// crosses midnight (e.g. 22:00-08:00).
func inQuietHours(now time.Time, start, end, tz string) bool {
	sm, ok1 := parseHHMM(start)
	em, ok2 := parseHHMM(end)
	if !ok1 || !ok2 {
		return false
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	if sm == em {
		return false
	}
	if em < sm {
		// Overnight window.
		return cur >= sm || cur < em
	}
	return cur >= sm && cur < em
}

// parseHHMM parses "HH:MM"; empty or malformed input reports false.
func parseHHMM(s string) (minutes int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
