package llm

import (
	"sync"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a provider that keeps failing. After
// maxFailures consecutive failures it opens for cooldown, then lets one
// probe through at a time until probeSuccesses succeed in a row.
type CircuitBreaker struct {
	mu sync.Mutex

	state          CircuitState
	failures       int
	successes      int
	openedAt       time.Time
	probing        bool
	maxFailures    int
	cooldown       time.Duration
	probeSuccesses int
	now            func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:    maxFailures,
		cooldown:       cooldown,
		probeSuccesses: 2,
		now:            time.Now,
	}
}

// Allow reports whether a request may go out now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.setState(CircuitHalfOpen)
		cb.successes = 0
		cb.probing = true
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.probeSuccesses {
			cb.setState(CircuitClosed)
			cb.failures = 0
			cb.successes = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.maxFailures {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.probing = false
		cb.successes = 0
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.setState(CircuitOpen)
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	if cb.state == s {
		return
	}
	logging.Info("circuit breaker state change",
		logging.From(cb.state.String()), logging.To(s.String()), logging.Count(cb.failures))
	cb.state = s
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
}
