// Package circuit implements the three-state circuit breaker that guards
// every outbound backend call (Elasticsearch, the threat-intel vendor, the
// report subprocess, the secrets vault CLI).
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is one of the three breaker states.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies a failure for the breaker's predicate. Only
// transient and rate-limit categories count toward tripping the breaker;
// validation and application-level not-found are never failures per
// spec.md §4.5.
type ErrorCategory int

const (
	ErrorCategoryTransient ErrorCategory = iota
	ErrorCategoryRateLimit
	ErrorCategoryInvalid
	ErrorCategoryFatal
)

// Config configures breaker thresholds. Defaults match spec.md §4.5:
// failureThreshold=5, recoveryTimeout=60s, successThreshold=2.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is one instance per backend service name.
type Breaker struct {
	mu sync.RWMutex

	name   string
	config Config
	state  State

	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	lastError            error
	openedAt             time.Time
	halfOpenProbeInFlight bool

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64

	onStateChange func(from, to State)
}

// NewBreaker creates a breaker for the named backend.
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{name: name, config: cfg, state: StateClosed}
}

// SetOnStateChange registers a transition callback, used by the health
// manager to emit structured log events on feature-affecting transitions.
func (b *Breaker) SetOnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a call may proceed. It is the only method that
// performs the OPEN -> HALF_OPEN transition, so concurrent callers racing
// on the same expired backoff window both get a consistent first-caller
// grant via halfOpenProbeInFlight.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenProbeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.totalSuccesses++

	if b.state == StateHalfOpen {
		b.halfOpenProbeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failure classified as transient.
func (b *Breaker) RecordFailure(err error) {
	b.RecordFailureWithCategory(err, ErrorCategoryTransient)
}

// RecordFailureWithCategory records a classified failure. Invalid and fatal
// errors never trip the breaker (spec.md §4.5: "Validation errors and
// application-level NotFound are NOT failures").
func (b *Breaker) RecordFailureWithCategory(err error, category ErrorCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	b.lastError = err
	b.consecutiveSuccesses = 0

	switch category {
	case ErrorCategoryInvalid, ErrorCategoryFatal:
		if b.state == StateHalfOpen {
			b.halfOpenProbeInFlight = false
		}
		return
	case ErrorCategoryRateLimit:
		b.totalFailures++
		b.consecutiveFailures = b.config.FailureThreshold
	default:
		b.totalFailures++
		b.consecutiveFailures++
	}

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.halfOpenProbeInFlight = false
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = time.Now()
	b.halfOpenProbeInFlight = false
	b.totalTrips++
	log.Warn().Str("breaker", b.name).Err(err).Msg("circuit breaker tripped")
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	if b.onStateChange != nil {
		go b.onStateChange(old, newState)
	}
}

// Reset forces the breaker back to CLOSED, used by admin tooling and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.lastError = nil
	b.halfOpenProbeInFlight = false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Name returns the backend name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Status is the JSON-serializable snapshot returned by get_circuit_breaker_status.
type Status struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailure          *time.Time `json:"last_failure,omitempty"`
	LastSuccess          *time.Time `json:"last_success,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	TotalFailures        int64      `json:"total_failures"`
	TotalSuccesses       int64      `json:"total_successes"`
	TotalTrips           int64      `json:"total_trips"`
	TimeUntilRetryMS     int64      `json:"time_until_retry_ms,omitempty"`
}

// GetStatus returns a point-in-time snapshot.
func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Status{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		TotalTrips:           b.totalTrips,
	}
	if !b.lastFailure.IsZero() {
		s.LastFailure = &b.lastFailure
	}
	if !b.lastSuccess.IsZero() {
		s.LastSuccess = &b.lastSuccess
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	if b.state == StateOpen {
		retryIn := b.config.RecoveryTimeout - time.Since(b.openedAt)
		if retryIn > 0 {
			s.TimeUntilRetryMS = retryIn.Milliseconds()
		}
	}
	return s
}

// IsOpen reports whether the breaker is currently blocking calls.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen
}

// circuitOpenError is returned by Execute when the breaker denies the call.
type circuitOpenError struct{ name string }

func (e circuitOpenError) Error() string { return "circuit breaker open for " + e.name }

// IsCircuitOpen reports whether err was produced by a denied Execute call.
func IsCircuitOpen(err error) bool {
	_, ok := err.(circuitOpenError)
	return ok
}

// Execute wraps operation with Allow/RecordSuccess/RecordFailure bookkeeping.
func (b *Breaker) Execute(category func(error) ErrorCategory, operation func() error) error {
	if !b.Allow() {
		return circuitOpenError{name: b.name}
	}
	err := operation()
	if err != nil {
		cat := ErrorCategoryTransient
		if category != nil {
			cat = category(err)
		}
		b.RecordFailureWithCategory(err, cat)
		return err
	}
	b.RecordSuccess()
	return nil
}
