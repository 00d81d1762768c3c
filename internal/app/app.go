package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"glorianotify/internal/breaker"
	"glorianotify/internal/config"
	"glorianotify/internal/eventbus"
	"glorianotify/internal/fallback"
	"glorianotify/internal/metrics"
	"glorianotify/internal/notify"
	"glorianotify/internal/prefs"
	"glorianotify/internal/sender"
	"glorianotify/internal/storage"
	logx "glorianotify/pkg/logx"
)

// App wires the delivery pipeline together: storage, preference engine,
// circuit breakers, channel senders, the fallback queue and metrics.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	retention *storage.Retention
	breaker   *breaker.Registry
	publisher *fallback.AMQPPublisher // nil when the durable queue is disabled
	queue     *fallback.Service
	email     *sender.EmailSender
	push      *sender.PushSender
	sms       *sender.SMSSender
	disp      *notify.Service
	metrics   *metrics.Service // nil when disabled

	metricsListen string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	keep, err := config.ParseDurationOrDefault("storage.frequency_retention",
		cfg.Storage.FrequencyRetention, storage.DefaultFrequencyRetention)
	if err != nil {
		return nil, err
	}
	retention := storage.NewRetention(store, keep, log.With(logx.String("comp", "retention")))

	bcfg, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	br := breaker.New(bcfg, bus, log.With(logx.String("comp", "breaker")))

	fcfg, err := mapFallbackConfig(cfg)
	if err != nil {
		return nil, err
	}
	var amqpPub *fallback.AMQPPublisher
	var pub fallback.Publisher
	if cfg.Queue.Enabled && strings.TrimSpace(cfg.Queue.URL) != "" {
		amqpPub = fallback.NewAMQPPublisher(cfg.Queue, log.With(logx.String("comp", "amqp")))
		pub = amqpPub
	}
	queue := fallback.New(fcfg, pub, store, bus, log.With(logx.String("comp", "fallback")))

	email := sender.NewEmailSender(cfg.Email, br, queue, log.With(logx.String("comp", "email")))
	push := sender.NewPushSender(cfg.Push, store, br, queue, log.With(logx.String("comp", "push")))
	sms := sender.NewSMSSender(cfg.SMS, br, queue, log.With(logx.String("comp", "sms")))

	eng := prefs.New(store, log.With(logx.String("comp", "prefs")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := notify.New(ncfg, eng, store, email, push, sms, bus, log.With(logx.String("comp", "notify")))
	queue.SetRetrier(disp)

	var met *metrics.Service
	if cfg.Metrics.Enabled {
		met = metrics.New(queue.Depth, log.With(logx.String("comp", "metrics")))
		disp.SetMetrics(met)
	}

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		retention:     retention,
		breaker:       br,
		publisher:     amqpPub,
		queue:         queue,
		email:         email,
		push:          push,
		sms:           sms,
		disp:          disp,
		metrics:       met,
		metricsListen: cfg.Metrics.Listen,
	}, nil
}

// Notifier is the pipeline entry point for embedding callers.
func (a *App) Notifier() *notify.Service { return a.disp }

// Queue exposes the fallback queue for operational tooling.
func (a *App) Queue() *fallback.Service { return a.queue }

// Breaker exposes the circuit breaker registry for operational tooling.
func (a *App) Breaker() *breaker.Registry { return a.breaker }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationOrDefault("storage.frequency_retention",
			cfg.Storage.FrequencyRetention, storage.DefaultFrequencyRetention); err != nil {
			return err
		}
		if _, err := mapBreakerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapFallbackConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if cfg.Queue.Enabled && strings.TrimSpace(cfg.Queue.URL) == "" {
			return fmt.Errorf("queue.url is required when queue.enabled is true")
		}
		return nil
	})

	if err := a.retention.Start(); err != nil {
		return err
	}
	a.queue.Start()
	if a.metrics != nil {
		if err := a.metrics.Start(a.metricsListen, a.bus); err != nil {
			return err
		}
	}

	// Event log for observability/debug (components also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("notification pipeline started")
	return nil
}

// applyReload applies the hot-reloadable sections and flags the rest.
// Logging switches live; storage, queue, breaker and sender credentials are
// bound at construction and need a restart.
func (a *App) applyReload(prev, next *config.Config) {
	if prev != nil && next != nil {
		if prev.Storage != next.Storage || prev.Queue != next.Queue {
			a.log.Warn("storage/queue config changed; restart required for changes to take effect")
		}
		if prev.Breaker != next.Breaker || prev.Fallback != next.Fallback || prev.Notifier != next.Notifier {
			a.log.Warn("pipeline tuning changed; restart required for changes to take effect")
		}
		if prev.Email != next.Email || prev.Push != next.Push || prev.SMS != next.SMS {
			a.log.Warn("sender credentials changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(logx.Config{
		Level:   next.Logging.Level,
		Console: next.Logging.Console,
		File: logx.FileConfig{
			Enabled: next.Logging.File.Enabled,
			Path:    next.Logging.File.Path,
		},
	})
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				// respect the caller's deadline; never extend it
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("metrics", 2*time.Second, func(c context.Context) error {
		if a.metrics != nil {
			a.metrics.Stop(c)
		}
		return nil
	})
	step("fallback", 2*time.Second, func(context.Context) error { a.queue.Stop(); return nil })
	step("retention", 1*time.Second, func(context.Context) error { a.retention.Stop(); return nil })
	step("amqp", 1*time.Second, func(context.Context) error {
		if a.publisher != nil {
			return a.publisher.Close()
		}
		return nil
	})
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./notifyd.db"
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapBreakerConfig(cfg *config.Config) (breaker.Config, error) {
	timeout, err := config.ParseDurationOrDefault("breaker.timeout", cfg.Breaker.Timeout, 0)
	if err != nil {
		return breaker.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("breaker.window", cfg.Breaker.Window, 0)
	if err != nil {
		return breaker.Config{}, err
	}
	if cfg.Breaker.ErrorRateThreshold < 0 || cfg.Breaker.ErrorRateThreshold > 100 {
		return breaker.Config{}, fmt.Errorf("breaker.error_rate_threshold must be 0..100")
	}
	return breaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		SuccessThreshold:   cfg.Breaker.SuccessThreshold,
		Timeout:            timeout,
		ErrorRateThreshold: cfg.Breaker.ErrorRateThreshold,
		MinimumVolume:      cfg.Breaker.MinimumVolume,
		Window:             window,
	}, nil
}

func mapFallbackConfig(cfg *config.Config) (fallback.Config, error) {
	interval, err := config.ParseDurationOrDefault("fallback.retry_interval", cfg.Fallback.RetryInterval, 0)
	if err != nil {
		return fallback.Config{}, err
	}
	if cfg.Fallback.MemoryLimit < 0 {
		return fallback.Config{}, fmt.Errorf("fallback.memory_limit must be >= 0")
	}
	return fallback.Config{
		RetryInterval:   interval,
		MemoryLimit:     cfg.Fallback.MemoryLimit,
		EmailMaxRetries: cfg.Fallback.EmailMaxRetries,
		PushMaxRetries:  cfg.Fallback.PushMaxRetries,
		SMSMaxRetries:   cfg.Fallback.SMSMaxRetries,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	pause, err := config.ParseDurationOrDefault("notifier.bulk_pause", cfg.Notifier.BulkPause, 0)
	if err != nil {
		return notify.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, 0)
	if err != nil {
		return notify.Config{}, err
	}
	if cfg.Notifier.BulkBatchSize < 0 {
		return notify.Config{}, fmt.Errorf("notifier.bulk_batch_size must be >= 0")
	}
	return notify.Config{
		BatchSize:   cfg.Notifier.BulkBatchSize,
		Pause:       pause,
		SendTimeout: timeout,
	}, nil
}
