// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions.
//
// The result cache uses it to stop calling an unreachable shared tier on
// every request.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are skipped
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key and target state.",
	}, []string{"key", "to_state"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls skipped because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, rejected)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures. After
// cooldown one probe is let through; its outcome closes or reopens the
// circuit.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker. Non-positive arguments default to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			b.transition(key, c, StateHalfOpen)
			return true
		}
	case StateHalfOpen:
	default:
		return true
	}
	rejected.WithLabelValues(key).Inc()
	return false
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.transition(key, c, StateClosed)
}

// Failure records a failed call. A failed probe reopens the circuit at once.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.transition(key, c, StateOpen)
	}
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// transition requires b.mu.
func (b *Breaker) transition(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(key, to.String()).Inc()
}
