package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"glorianotify/internal/breaker"
	"glorianotify/internal/eventbus"
	logx "glorianotify/pkg/logx"
)

// Service exposes delivery pipeline counters for scraping.
//
// Circuit state and dead-letter counts are fed from the event bus so the
// breaker and queue don't need to know about metrics at all.
type Service struct {
	log logx.Logger
	reg *prometheus.Registry

	Sent         *prometheus.CounterVec
	Blocked      *prometheus.CounterVec
	Failed       *prometheus.CounterVec
	DeadLetters  prometheus.Counter
	SendDuration *prometheus.HistogramVec
	CircuitState *prometheus.GaugeVec

	srv   *http.Server
	unsub func()
	done  chan struct{}
}

func New(queueDepth func() int, log logx.Logger) *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	s := &Service{
		log: log,
		reg: reg,
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notifications accepted for delivery.",
		}, []string{"type", "priority", "channel"}),
		Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_blocked_total",
			Help: "Notifications blocked by the preference engine.",
		}, []string{"type", "reason"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notification sends that failed and were queued for retry.",
		}, []string{"type", "priority", "channel"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dead_letters_total",
			Help: "Notifications that exhausted their retries.",
		}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_send_duration_seconds",
			Help:    "Wall time of one channel send attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notification_circuit_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		}, []string{"service"}),
	}
	reg.MustRegister(s.Sent, s.Blocked, s.Failed, s.DeadLetters, s.SendDuration, s.CircuitState)

	if queueDepth != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "notification_fallback_queue_depth",
			Help: "Entries in the in-memory fallback queue.",
		}, func() float64 { return float64(queueDepth()) }))
	}
	return s
}

// Start subscribes to the bus and, when listen is non-empty, serves /metrics.
func (s *Service) Start(listen string, bus eventbus.Bus) error {
	if bus != nil {
		ch, unsub := bus.Subscribe(64)
		s.unsub = unsub
		s.done = make(chan struct{})
		go func() {
			defer close(s.done)
			for ev := range ch {
				s.consume(ev)
			}
		}()
	}

	if listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics listener failed", logx.Err(err))
		}
	}()
	s.log.Info("metrics listening", logx.String("addr", listen))
	return nil
}

func (s *Service) consume(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeCircuitState:
		sc, ok := ev.Data.(breaker.StateChange)
		if !ok {
			return
		}
		s.CircuitState.WithLabelValues(sc.Service).Set(stateValue(sc.To))
	case eventbus.TypeNotifyDeadLetter:
		s.DeadLetters.Inc()
	}
}

func stateValue(st breaker.State) float64 {
	switch st {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (s *Service) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		s.unsub = nil
	}
	if s.srv != nil {
		_ = s.srv.Shutdown(ctx)
		s.srv = nil
	}
}
