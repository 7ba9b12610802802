package tools

import (
	"sync"
	"time"

	"github.com/pitabwire/sentinel/internal/config"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker guards one tool. It trips on consecutive failures or on the error
// rate within a tumbling window, and reports every state change through
// onChange. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	cfg       config.CircuitBreakerConfig
	now       func() time.Time
	onChange  func(BreakerState)

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a breaker from configuration, filling zero thresholds
// with defaults. onChange may be nil.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now, onChange: onChange}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may proceed. An open breaker becomes
// half-open once its timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	return b.state != BreakerOpen
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.recordWindow(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setLocked(BreakerClosed)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.recordWindow(true)
		if b.failures >= b.cfg.FailureThreshold || b.errorRateExceeded() {
			b.setLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setLocked(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	return b.state
}

func (b *Breaker) expireLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.setLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) setLocked(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	b.successes = 0
	switch s {
	case BreakerOpen:
		b.openedAt = b.now()
		b.resetWindow()
	case BreakerClosed:
		b.failures = 0
		b.resetWindow()
	}
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) recordWindow(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}
