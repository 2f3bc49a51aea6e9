package admission

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BreakerState is the state of one circuit.
type BreakerState int

const (
	StateClosed   BreakerState = iota // calls flow
	StateOpen                         // calls are denied
	StateHalfOpen                     // one probe call allowed
)

// String returns the state name.
func (s BreakerState) String() string {
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

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rpcguard",
	Subsystem: "breaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by resource, from-state, and to-state.",
}, []string{"resource", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

type circuit struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// breaker is a per-resource circuit breaker: it opens after threshold
// consecutive failures and lets one probe through after openDuration.
type breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

func newBreaker(threshold int, openDuration time.Duration, now func() time.Time) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          now,
	}
}

// allow reports whether a call to key may proceed. An open circuit whose
// openDuration has elapsed moves to half-open and admits one probe.
func (b *breaker) allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.openDuration {
			b.transition(c, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
	c.failures = 0
}

func (b *breaker) recordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}

	c.failures++
	c.lastFailure = b.now()

	if c.state == StateHalfOpen {
		b.transition(c, key, StateOpen)
		return
	}
	if c.state == StateClosed && c.failures >= b.threshold {
		b.transition(c, key, StateOpen)
	}
}

func (b *breaker) state(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return StateClosed
	}
	return c.state
}

// Caller must hold b.mu.
func (b *breaker) transition(c *circuit, key string, to BreakerState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	breakerTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
