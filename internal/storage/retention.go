package storage

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "glorianotify/pkg/logx"
)

// DefaultFrequencyRetention is how long frequency-tracking rows are kept.
const DefaultFrequencyRetention = 7 * 24 * time.Hour

// Retention periodically purges expired frequency-tracking rows.
//
// Counters are only ever read for the current hour/day window, so anything
// older than the retention period is dead weight.
type Retention struct {
	store Store
	keep  time.Duration
	log   logx.Logger

	cron *cron.Cron
}

func NewRetention(store Store, keep time.Duration, log logx.Logger) *Retention {
	if keep <= 0 {
		keep = DefaultFrequencyRetention
	}
	return &Retention{store: store, keep: keep, log: log}
}

// Start schedules the hourly purge. Minute 17 avoids the top-of-hour burst
// when frequency windows roll over.
func (r *Retention) Start() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc("17 * * * *", r.purge)
	if err != nil {
		return err
	}
	r.cron = c
	c.Start()
	return nil
}

func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.cron = nil
}

func (r *Retention) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.keep)
	n, err := r.store.PurgeFrequencyBefore(ctx, cutoff)
	if err != nil {
		r.log.Warn("frequency purge failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Debug("frequency rows purged", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
}
