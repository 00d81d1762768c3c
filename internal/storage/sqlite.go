package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"glorianotify/internal/kit"
	logx "glorianotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the sqlite store at cfg.Path and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Preferences ----

func (s *sqliteStore) GetPreference(ctx context.Context, userID string) (*Preference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, enabled, timezone, quiet_start, quiet_end, default_channels, max_daily, max_hourly, created_at, updated_at
		 FROM notification_preferences WHERE user_id = ?`, userID)

	var (
		p                          Preference
		enabled                    int
		channels, created, updated string
	)
	err := row.Scan(&p.UserID, &enabled, &p.Timezone, &p.QuietStart, &p.QuietEnd, &channels, &p.MaxDaily, &p.MaxHourly, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.DefaultChannels = splitChannels(channels)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func (s *sqliteStore) UpsertPreference(ctx context.Context, p Preference) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences(user_id, enabled, timezone, quiet_start, quiet_end, default_channels, max_daily, max_hourly, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   enabled=excluded.enabled, timezone=excluded.timezone,
		   quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   default_channels=excluded.default_channels,
		   max_daily=excluded.max_daily, max_hourly=excluded.max_hourly,
		   updated_at=excluded.updated_at`,
		p.UserID, boolInt(p.Enabled), p.Timezone, p.QuietStart, p.QuietEnd,
		joinChannels(p.DefaultChannels), p.MaxDaily, p.MaxHourly,
		fmtTime(p.CreatedAt), fmtTime(now),
	)
	return err
}

func (s *sqliteStore) GetChannelPreference(ctx context.Context, userID string, typ kit.Type) (*ChannelPreference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, type, enabled, channels, min_priority, daily_limit
		 FROM channel_preferences WHERE user_id = ? AND type = ?`, userID, string(typ))

	var (
		cp       ChannelPreference
		enabled  int
		channels string
		minPrio  string
	)
	err := row.Scan(&cp.UserID, &cp.Type, &enabled, &channels, &minPrio, &cp.DailyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Enabled = enabled != 0
	cp.Channels = splitChannels(channels)
	cp.MinPriority = kit.Priority(minPrio)
	return &cp, nil
}

func (s *sqliteStore) UpsertChannelPreference(ctx context.Context, cp ChannelPreference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_preferences(user_id, type, enabled, channels, min_priority, daily_limit)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, type) DO UPDATE SET
		   enabled=excluded.enabled, channels=excluded.channels,
		   min_priority=excluded.min_priority, daily_limit=excluded.daily_limit`,
		cp.UserID, string(cp.Type), boolInt(cp.Enabled), joinChannels(cp.Channels),
		string(cp.MinPriority), cp.DailyLimit,
	)
	return err
}

// ---- Unsubscribes ----

func (s *sqliteStore) AddUnsubscribe(ctx context.Context, userID string, typ *kit.Type, ch *kit.Channel) (string, error) {
	token := uuid.NewString()
	var t, c any
	if typ != nil {
		t = string(*typ)
	}
	if ch != nil {
		c = string(*ch)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unsubscribes(id, user_id, type, channel, token, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, COALESCE(type, ''), COALESCE(channel, '')) WHERE resubscribed_at IS NULL
		 DO UPDATE SET token=excluded.token`,
		uuid.NewString(), userID, t, c, token, fmtTime(time.Now()),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *sqliteStore) Resubscribe(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE unsubscribes SET resubscribed_at = ? WHERE token = ? AND resubscribed_at IS NULL`,
		fmtTime(time.Now()), token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) HasActiveUnsubscribe(ctx context.Context, userID string, typ kit.Type) (bool, error) {
	// Only unsubscribes covering all channels block a send outright;
	// channel-scoped rows narrow the channel set instead.
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM unsubscribes
		 WHERE user_id = ? AND resubscribed_at IS NULL AND channel IS NULL
		   AND (type IS NULL OR type = ?)`, userID, string(typ))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) UnsubscribedChannels(ctx context.Context, userID string, typ kit.Type) ([]kit.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel FROM unsubscribes
		 WHERE user_id = ? AND resubscribed_at IS NULL AND channel IS NOT NULL
		   AND (type IS NULL OR type = ?)`, userID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kit.Channel
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, kit.Channel(c))
	}
	return out, rows.Err()
}

// ---- Frequency tracking ----

func (s *sqliteStore) IncrementFrequency(ctx context.Context, userID string, typ kit.Type, kind WindowKind, windowStart time.Time) error {
	// Atomic upsert-increment; safe under concurrent sends.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frequency_tracking(user_id, type, window_kind, window_start, count)
		 VALUES(?,?,?,?,1)
		 ON CONFLICT(user_id, type, window_kind, window_start)
		 DO UPDATE SET count = count + 1`,
		userID, string(typ), string(kind), windowStart.Unix(),
	)
	return err
}

func (s *sqliteStore) AggregateCount(ctx context.Context, userID string, kind WindowKind, windowStart time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM frequency_tracking
		 WHERE user_id = ? AND window_kind = ? AND window_start = ?`,
		userID, string(kind), windowStart.Unix())
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *sqliteStore) TypeCount(ctx context.Context, userID string, typ kit.Type, kind WindowKind, windowStart time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM frequency_tracking
		 WHERE user_id = ? AND type = ? AND window_kind = ? AND window_start = ?`,
		userID, string(typ), string(kind), windowStart.Unix())
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *sqliteStore) PurgeFrequencyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM frequency_tracking WHERE window_start < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Push subscriptions ----

func (s *sqliteStore) SavePushSubscription(ctx context.Context, sub PushSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions(endpoint, user_id, p256dh, auth, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id=excluded.user_id, p256dh=excluded.p256dh, auth=excluded.auth`,
		sub.Endpoint, sub.UserID, sub.P256dh, sub.Auth, fmtTime(sub.CreatedAt),
	)
	return err
}

func (s *sqliteStore) PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, user_id, p256dh, auth, created_at FROM push_subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var (
			sub     PushSubscription
			created string
		)
		if err := rows.Scan(&sub.Endpoint, &sub.UserID, &sub.P256dh, &sub.Auth, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = parseTime(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	return err
}

// ---- Dead letters + inbox ----

func (s *sqliteStore) AppendDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(id, kind, recipient, payload, reason, retries, failed_at)
		 VALUES(?,?,?,?,?,?,?)`,
		dl.ID, dl.Kind, dl.Recipient, dl.Payload, dl.Reason, dl.Retries, fmtTime(dl.FailedAt),
	)
	return err
}

func (s *sqliteStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, recipient, payload, reason, retries, failed_at
		 FROM dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl     DeadLetter
			failed string
		)
		if err := rows.Scan(&dl.ID, &dl.Kind, &dl.Recipient, &dl.Payload, &dl.Reason, &dl.Retries, &failed); err != nil {
			return nil, err
		}
		dl.FailedAt = parseTime(failed)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendInbox(ctx context.Context, item InboxItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox(id, user_id, type, priority, title, body, read, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		item.ID, item.UserID, string(item.Type), string(item.Priority),
		item.Title, item.Body, boolInt(item.Read), fmtTime(item.CreatedAt),
	)
	return err
}

// ---- helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinChannels(chs []kit.Channel) string {
	if len(chs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(chs))
	for _, c := range chs {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

func splitChannels(s string) []kit.Channel {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]kit.Channel, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, kit.Channel(p))
	}
	return out
}
