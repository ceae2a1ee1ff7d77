// Package circuitbreaker guards provider connectors so a failing provider is
// skipped quickly instead of holding the single dispatch slot for the full
// send timeout on every job.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
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
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the guarded provider, e.g. "ses" or "chat-http".
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for connectors.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive failures of one provider.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	return &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	cb.totalRequests++

	allowed := false
	var from State
	changed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			from, changed = cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			allowed = true
		}
	}
	if !allowed {
		cb.totalRejected++
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess records a successful call and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.totalSuccesses++
	cb.failureCount = 0

	var from State
	changed := false
	if cb.state == StateHalfOpen {
		from, changed = cb.transitionTo(StateClosed)
	}
	cb.mu.Unlock()

	if changed {
		cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.config.Name))
		cb.notify(from, StateClosed)
	}
}

// RecordFailure records a failed call. A failed probe re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	var from State
	changed := false
	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			from, changed = cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		from, changed = cb.transitionTo(StateOpen)
	}
	failures := cb.failureCount
	cb.mu.Unlock()

	if changed {
		cb.logger.Warn("circuit breaker opened",
			zap.String("name", cb.config.Name),
			zap.Int("failures", failures),
			zap.Int("threshold", cb.config.MaxFailures),
		)
		cb.notify(from, StateOpen)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot for the health endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker manually reset", zap.String("name", cb.config.Name))
	if changed {
		cb.notify(from, StateClosed)
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(next State) (State, bool) {
	prev := cb.state
	if prev == next {
		return prev, false
	}
	cb.state = next
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0
	return prev, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failureCount, cb.config.MaxFailures)
}
