package prefs

import (
	"context"
	"strings"
	"testing"
	"time"

	"glorianotify/internal/kit"
	"glorianotify/internal/storage"
	logx "glorianotify/pkg/logx"
)

type fakeStore struct {
	pref    *storage.Preference
	chPref  *storage.ChannelPreference
	unsub   bool
	offChan []kit.Channel

	hourly    int
	daily     int
	typeDaily int

	incs int
}

func (f *fakeStore) GetPreference(context.Context, string) (*storage.Preference, error) {
	return f.pref, nil
}

func (f *fakeStore) GetChannelPreference(context.Context, string, kit.Type) (*storage.ChannelPreference, error) {
	return f.chPref, nil
}

func (f *fakeStore) HasActiveUnsubscribe(context.Context, string, kit.Type) (bool, error) {
	return f.unsub, nil
}

func (f *fakeStore) UnsubscribedChannels(context.Context, string, kit.Type) ([]kit.Channel, error) {
	return f.offChan, nil
}

func (f *fakeStore) AggregateCount(_ context.Context, _ string, kind storage.WindowKind, _ time.Time) (int, error) {
	if kind == storage.WindowHourly {
		return f.hourly, nil
	}
	return f.daily, nil
}

func (f *fakeStore) TypeCount(context.Context, string, kit.Type, storage.WindowKind, time.Time) (int, error) {
	return f.typeDaily, nil
}

func (f *fakeStore) IncrementFrequency(context.Context, string, kit.Type, storage.WindowKind, time.Time) error {
	f.incs++
	return nil
}

func newTestEngine(st *fakeStore, at time.Time) *Engine {
	e := New(st, logx.Nop())
	e.now = func() time.Time { return at }
	return e
}

func enabledPref() *storage.Preference {
	return &storage.Preference{
		UserID:          "u1",
		Enabled:         true,
		DefaultChannels: []kit.Channel{kit.ChannelInApp, kit.ChannelEmail},
	}
}

var noon = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNoPreferenceDefaultsToInApp(t *testing.T) {
	t.Parallel()
	e := newTestEngine(&fakeStore{}, noon)

	dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityMedium)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !dec.ShouldSend {
		t.Fatalf("blocked: %s", dec.BlockedReason)
	}
	if len(dec.Channels) != 1 || dec.Channels[0] != kit.ChannelInApp {
		t.Fatalf("channels = %v, want [IN_APP]", dec.Channels)
	}
}

func TestGloballyDisabled(t *testing.T) {
	t.Parallel()
	st := &fakeStore{pref: &storage.Preference{UserID: "u1", Enabled: false}}
	e := newTestEngine(st, noon)

	dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityHigh)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if dec.ShouldSend || dec.BlockedReason != ReasonDisabled {
		t.Fatalf("got %+v, want blocked by %q", dec, ReasonDisabled)
	}
}

func TestActiveUnsubscribeBlocks(t *testing.T) {
	t.Parallel()
	st := &fakeStore{pref: enabledPref(), unsub: true}
	e := newTestEngine(st, noon)

	dec, err := e.Check(context.Background(), "u1", kit.TypeAnnouncement, kit.PriorityHigh)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if dec.ShouldSend || dec.BlockedReason != ReasonUnsubscribed {
		t.Fatalf("got %+v, want blocked by %q", dec, ReasonUnsubscribed)
	}
}

func TestQuietHours(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		at         time.Time
		start, end string
		tz         string
		blocked    bool
	}{
		{name: "inside overnight window", at: time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC), start: "23:00", end: "07:00", blocked: true},
		{name: "early morning overnight", at: time.Date(2026, 3, 1, 6, 59, 0, 0, time.UTC), start: "23:00", end: "07:00", blocked: true},
		{name: "outside overnight window", at: noon, start: "23:00", end: "07:00", blocked: false},
		{name: "window end is exclusive", at: time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC), start: "23:00", end: "07:00", blocked: false},
		{name: "same-day window", at: noon, start: "11:00", end: "13:00", blocked: true},
		{name: "degenerate equal bounds", at: noon, start: "12:00", end: "12:00", blocked: false},
		{name: "timezone shifts the window", at: noon, start: "23:00", end: "07:00", tz: "Asia/Jakarta", blocked: false},
		{name: "timezone into quiet hours", at: time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC), start: "23:00", end: "07:00", tz: "Asia/Jakarta", blocked: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := enabledPref()
			p.QuietStart, p.QuietEnd, p.Timezone = tt.start, tt.end, tt.tz
			e := newTestEngine(&fakeStore{pref: p}, tt.at)

			dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityMedium)
			if err != nil {
				t.Fatalf("Check error: %v", err)
			}
			if tt.blocked {
				if dec.ShouldSend || dec.BlockedReason != ReasonQuietHours {
					t.Fatalf("got %+v, want blocked by quiet hours", dec)
				}
			} else if !dec.ShouldSend {
				t.Fatalf("blocked unexpectedly: %s", dec.BlockedReason)
			}
		})
	}
}

func TestHourlyLimit(t *testing.T) {
	t.Parallel()
	p := enabledPref()
	p.MaxHourly = 3
	st := &fakeStore{pref: p, hourly: 3}
	e := newTestEngine(st, noon)

	dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityMedium)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if dec.ShouldSend {
		t.Fatal("expected hourly limit block")
	}
	if !strings.HasPrefix(dec.BlockedReason, ReasonHourlyLimit) {
		t.Fatalf("reason = %q", dec.BlockedReason)
	}

	// A fresh window clears the block.
	st.hourly = 0
	dec, err = e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityMedium)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !dec.ShouldSend {
		t.Fatalf("blocked after window reset: %s", dec.BlockedReason)
	}
}

func TestDailyLimit(t *testing.T) {
	t.Parallel()
	p := enabledPref()
	p.MaxDaily = 10
	st := &fakeStore{pref: p, daily: 10}
	e := newTestEngine(st, noon)

	dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityMedium)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if dec.ShouldSend || !strings.HasPrefix(dec.BlockedReason, ReasonDailyLimit) {
		t.Fatalf("got %+v, want daily limit block", dec)
	}
}

func TestChannelPreference(t *testing.T) {
	t.Parallel()

	t.Run("type disabled", func(t *testing.T) {
		st := &fakeStore{pref: enabledPref(), chPref: &storage.ChannelPreference{Type: kit.TypeAnnouncement}}
		e := newTestEngine(st, noon)
		dec, err := e.Check(context.Background(), "u1", kit.TypeAnnouncement, kit.PriorityCritical)
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if dec.ShouldSend || dec.BlockedReason != ReasonTypeDisabled {
			t.Fatalf("got %+v", dec)
		}
	})

	t.Run("below minimum priority", func(t *testing.T) {
		st := &fakeStore{pref: enabledPref(), chPref: &storage.ChannelPreference{
			Type:        kit.TypeGeneral,
			Enabled:     true,
			Channels:    []kit.Channel{kit.ChannelEmail},
			MinPriority: kit.PriorityHigh,
		}}
		e := newTestEngine(st, noon)
		dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityLow)
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if dec.ShouldSend || !strings.HasPrefix(dec.BlockedReason, ReasonBelowPriority) {
			t.Fatalf("got %+v", dec)
		}
	})

	t.Run("meets minimum priority and narrows channels", func(t *testing.T) {
		st := &fakeStore{pref: enabledPref(), chPref: &storage.ChannelPreference{
			Type:        kit.TypeGeneral,
			Enabled:     true,
			Channels:    []kit.Channel{kit.ChannelPush},
			MinPriority: kit.PriorityHigh,
		}}
		e := newTestEngine(st, noon)
		dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityUrgent)
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if !dec.ShouldSend {
			t.Fatalf("blocked: %s", dec.BlockedReason)
		}
		if len(dec.Channels) != 1 || dec.Channels[0] != kit.ChannelPush {
			t.Fatalf("channels = %v, want [PUSH]", dec.Channels)
		}
	})

	t.Run("type daily cap", func(t *testing.T) {
		st := &fakeStore{
			pref: enabledPref(),
			chPref: &storage.ChannelPreference{
				Type:       kit.TypeTaskAssigned,
				Enabled:    true,
				Channels:   []kit.Channel{kit.ChannelInApp},
				DailyLimit: 5,
			},
			typeDaily: 5,
		}
		e := newTestEngine(st, noon)
		dec, err := e.Check(context.Background(), "u1", kit.TypeTaskAssigned, kit.PriorityMedium)
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if dec.ShouldSend || !strings.HasPrefix(dec.BlockedReason, ReasonTypeDaily) {
			t.Fatalf("got %+v", dec)
		}
	})
}

func TestChannelScopedUnsubscribeNarrows(t *testing.T) {
	t.Parallel()
	st := &fakeStore{pref: enabledPref(), offChan: []kit.Channel{kit.ChannelEmail}}
	e := newTestEngine(st, noon)

	dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityMedium)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !dec.ShouldSend {
		t.Fatalf("blocked: %s", dec.BlockedReason)
	}
	if len(dec.Channels) != 1 || dec.Channels[0] != kit.ChannelInApp {
		t.Fatalf("channels = %v, want [IN_APP]", dec.Channels)
	}
}

func TestAllChannelsUnsubscribedBlocks(t *testing.T) {
	t.Parallel()
	st := &fakeStore{pref: enabledPref(), offChan: []kit.Channel{kit.ChannelInApp, kit.ChannelEmail}}
	e := newTestEngine(st, noon)

	dec, err := e.Check(context.Background(), "u1", kit.TypeGeneral, kit.PriorityMedium)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if dec.ShouldSend || dec.BlockedReason != ReasonUnsubscribed {
		t.Fatalf("got %+v", dec)
	}
}

func TestTrackSentBumpsBothWindows(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	e := newTestEngine(st, noon)

	if err := e.TrackSent(context.Background(), "u1", kit.TypeGeneral); err != nil {
		t.Fatalf("TrackSent error: %v", err)
	}
	if st.incs != 2 {
		t.Fatalf("increments = %d, want 2", st.incs)
	}
}

func TestWindowTruncation(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 14, 45, 30, 0, time.UTC)
	if got := hourStart(at); !got.Equal(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("hourStart = %v", got)
	}
	if got := dayStart(at); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("dayStart = %v", got)
	}
}
