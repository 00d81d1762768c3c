package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"glorianotify/internal/eventbus"
	logx "glorianotify/pkg/logx"
)

// ErrOpen is returned by Execute when the circuit rejects the call without
// invoking the wrapped function.
var ErrOpen = errors.New("circuit breaker open")

// State of a single service circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the thresholds applied to every service circuit.
type Config struct {
	// FailureThreshold trips the circuit after this many consecutive failures.
	FailureThreshold int
	// SuccessThreshold closes a half-open circuit after this many consecutive successes.
	SuccessThreshold int
	// Timeout is how long an open circuit rejects calls before probing.
	Timeout time.Duration
	// ErrorRateThreshold (percent) trips the circuit when the windowed error
	// rate exceeds it, once MinimumVolume calls have been observed.
	ErrorRateThreshold int
	// MinimumVolume is the minimum windowed call count before rate-based
	// tripping applies.
	MinimumVolume int
	// Window bounds rate accounting.
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 100 {
		c.ErrorRateThreshold = 50
	}
	if c.MinimumVolume <= 0 {
		c.MinimumVolume = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// StateChange is published on the event bus whenever a circuit transitions.
type StateChange struct {
	Service string    `json:"service"`
	From    State     `json:"-"`
	To      State     `json:"-"`
	FromStr string    `json:"from"`
	ToStr   string    `json:"to"`
	At      time.Time `json:"at"`
}

type outcome struct {
	at time.Time
	ok bool
}

type circuit struct {
	state State

	consecFails int
	consecSuccs int

	openedAt time.Time

	// Recent call outcomes inside the rate window.
	recent []outcome
}

// Registry owns one circuit per service name.
//
// Circuit state is process-local; a multi-instance deployment would need to
// centralize it. See DESIGN.md.
type Registry struct {
	mu  sync.Mutex
	cfg Config

	m map[string]*circuit

	bus eventbus.Bus
	log logx.Logger

	// now is a test seam.
	now func() time.Time
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{
		cfg: cfg.withDefaults(),
		m:   map[string]*circuit{},
		bus: bus,
		log: log,
		now: time.Now,
	}
}

func (r *Registry) get(service string) *circuit {
	c := r.m[service]
	if c == nil {
		c = &circuit{state: StateClosed}
		r.m[service] = c
	}
	return c
}

// Execute runs fn under the circuit for service.
//
// If the circuit is open and its timeout has not elapsed, fn is NOT called
// and ErrOpen is returned. Otherwise fn runs and its error (or nil) is
// returned unchanged; the outcome feeds the state machine.
func (r *Registry) Execute(ctx context.Context, service string, fn func(context.Context) error) error {
	r.mu.Lock()
	now := r.now()
	c := r.get(service)

	if c.state == StateOpen {
		if now.Sub(c.openedAt) < r.cfg.Timeout {
			r.mu.Unlock()
			return ErrOpen
		}
		// Timeout elapsed: probe.
		r.transition(service, c, StateHalfOpen, now)
	}
	r.mu.Unlock()

	// fn runs outside the lock; a slow transport must not serialize
	// unrelated services.
	err := fn(ctx)

	r.record(service, err)
	return err
}

// Record feeds an externally observed outcome into the circuit without
// running anything. The fallback queue uses it when retrying entries.
func (r *Registry) record(service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.get(service)
	c.pruneLocked(now, r.cfg.Window)
	c.recent = append(c.recent, outcome{at: now, ok: err == nil})

	if err == nil {
		c.consecFails = 0
		switch c.state {
		case StateHalfOpen:
			c.consecSuccs++
			if c.consecSuccs >= r.cfg.SuccessThreshold {
				r.transition(service, c, StateClosed, now)
			}
		}
		return
	}

	c.consecSuccs = 0
	c.consecFails++

	switch c.state {
	case StateHalfOpen:
		// Any failure while probing reopens immediately.
		c.openedAt = now
		r.transition(service, c, StateOpen, now)
	case StateClosed:
		if c.consecFails >= r.cfg.FailureThreshold || r.rateTrippedLocked(c) {
			c.openedAt = now
			r.transition(service, c, StateOpen, now)
		}
	}
}

func (r *Registry) rateTrippedLocked(c *circuit) bool {
	total := len(c.recent)
	if total < r.cfg.MinimumVolume {
		return false
	}
	fails := 0
	for _, o := range c.recent {
		if !o.ok {
			fails++
		}
	}
	return fails*100 > total*r.cfg.ErrorRateThreshold
}

func (c *circuit) pruneLocked(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := 0
	for ; i < len(c.recent); i++ {
		if c.recent[i].at.After(cut) {
			break
		}
	}
	if i > 0 {
		c.recent = append(c.recent[:0], c.recent[i:]...)
	}
}

// transition must be called with r.mu held.
func (r *Registry) transition(service string, c *circuit, to State, now time.Time) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	switch to {
	case StateClosed:
		c.consecFails = 0
		c.consecSuccs = 0
		c.openedAt = time.Time{}
		c.recent = c.recent[:0]
	case StateHalfOpen:
		c.consecSuccs = 0
	}

	r.log.Info("circuit state changed",
		logx.String("service", service),
		logx.String("from", from.String()),
		logx.String("to", to.String()),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeCircuitState,
			Time: now,
			Data: StateChange{Service: service, From: from, To: to, FromStr: from.String(), ToStr: to.String(), At: now},
		})
	}
}

// State returns the current state for service (closed if never used).
func (r *Registry) State(service string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.m[service]
	if c == nil {
		return StateClosed
	}
	// Surface "would probe" as half-open so operators see recovery pending.
	if c.state == StateOpen && r.now().Sub(c.openedAt) >= r.cfg.Timeout {
		return StateHalfOpen
	}
	return c.state
}

// ForceClose closes the circuit and resets all counters. Operational
// override; use after the downstream service is known healthy.
func (r *Registry) ForceClose(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(service)
	r.transition(service, c, StateClosed, r.now())
}

// Reset drops the circuit entirely, back to a fresh closed state.
func (r *Registry) Reset(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.m[service]
	if c != nil && c.state != StateClosed {
		r.transition(service, c, StateClosed, r.now())
	}
	delete(r.m, service)
}

// Snapshot returns the current state per known service.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.m))
	for name, c := range r.m {
		out[name] = c.state
	}
	return out
}
