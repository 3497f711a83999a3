// Package breaker implements the circuit breaker guarding order execution.
//
// The breaker counts consecutive broker failures and opens once the
// configured threshold is reached, rejecting further order requests. After
// the reset timeout it moves to a half-open state: the next request is
// allowed through as a probe. The failure counter is not reset on the
// probe, so a single probe failure re-opens the circuit immediately while
// a success fully closes it.
package breaker

import (
	"sync"
	"time"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultMaxConsecutiveFailures = 5
	DefaultResetTimeout           = 30 * time.Second
)

// Stats is a point-in-time snapshot of breaker state.
type Stats struct {
	ConsecutiveFailures    int           `json:"consecutive_failures"`
	Open                   bool          `json:"circuit_breaker_open"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	ResetTimeout           time.Duration `json:"reset_timeout"`
	Enabled                bool          `json:"enabled"`
	LastFailureTime        time.Time     `json:"last_failure_time"`
}

// CircuitBreaker tracks consecutive order execution failures. All methods
// are safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	maxConsecutiveFailures int
	resetTimeout           time.Duration
	enabled                bool

	consecutiveFailures int
	open                bool
	lastFailureTime     time.Time

	logger *logger.Logger
	// now is swappable for tests
	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the given threshold and reset
// timeout. Non-positive arguments fall back to the defaults.
func NewCircuitBreaker(maxConsecutiveFailures int, resetTimeout time.Duration, enabled bool, log *logger.Logger) *CircuitBreaker {
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}

	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	log.Info("circuit breaker initialized",
		zap.Int("max_failures", maxConsecutiveFailures),
		zap.Duration("reset_timeout", resetTimeout),
		zap.Bool("enabled", enabled),
	)

	return &CircuitBreaker{
		maxConsecutiveFailures: maxConsecutiveFailures,
		resetTimeout:           resetTimeout,
		enabled:                enabled,
		logger:                 log,
		now:                    time.Now,
	}
}

// CheckState enforces the breaker before an order attempt. Returns an error
// with ErrCodeCircuitBreakerOpen while the circuit is open. Once the reset
// timeout has elapsed since the last failure the circuit moves to
// half-open: the open flag is cleared and the attempt is allowed through.
func (cb *CircuitBreaker) CheckState() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.enabled || !cb.open {
		return nil
	}

	if !cb.lastFailureTime.IsZero() {
		sinceFailure := cb.now().UTC().Sub(cb.lastFailureTime)
		if sinceFailure >= cb.resetTimeout {
			cb.logger.Warn("circuit breaker entering half-open state, allowing test request")
			// Half-open: cleared on success, re-opened by the very next
			// failure since the counter still sits at the threshold.
			cb.open = false

			return nil
		}
	}

	cb.logger.Error("circuit breaker is open, rejecting order request")

	return errors.New(errors.ErrCodeCircuitBreakerOpen, "circuit breaker is open due to consecutive failures")
}

// RecordSuccess clears the failure streak and fully closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open {
		cb.logger.Info("circuit breaker reset after successful operation")
		cb.open = false
	}

	cb.consecutiveFailures = 0
	cb.lastFailureTime = time.Time{}
}

// RecordFailure increments the failure streak, opening the circuit when the
// threshold is reached. No-op while disabled.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.enabled {
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now().UTC()

	cb.logger.Warn("order execution failure recorded",
		zap.Int("failures", cb.consecutiveFailures),
		zap.Int("max_failures", cb.maxConsecutiveFailures),
	)

	if cb.consecutiveFailures >= cb.maxConsecutiveFailures {
		cb.open = true
		cb.logger.Error("circuit breaker opened",
			zap.Int("consecutive_failures", cb.consecutiveFailures),
		)
	}
}

// Reset clears all breaker state. Intended for manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("circuit breaker manually reset")
	cb.open = false
	cb.consecutiveFailures = 0
	cb.lastFailureTime = time.Time{}
}

// Stats returns a snapshot of the breaker state.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		ConsecutiveFailures:    cb.consecutiveFailures,
		Open:                   cb.open,
		MaxConsecutiveFailures: cb.maxConsecutiveFailures,
		ResetTimeout:           cb.resetTimeout,
		Enabled:                cb.enabled,
		LastFailureTime:        cb.lastFailureTime,
	}
}
