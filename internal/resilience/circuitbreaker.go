// Package resilience keeps a relay usable while speech backends misbehave.
//
// Every backend sits behind a [CircuitBreaker]. A [FallbackGroup] orders the
// backends of one kind and walks them until one answers, and [TTSFallback]
// and [STTFallback] present such a group as an ordinary provider. All types
// are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] without calling the
// backend while the breaker rejects traffic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen admits a few probe calls that decide between closing
	// and re-opening.
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
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name identifies the backend in logs and hooks.
	Name string
	// MaxFailures consecutive failures open a closed breaker. Default 5.
	MaxFailures int
	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration
	// HalfOpenMax is both the probe budget and the number of successful
	// probes needed to close again. Default 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the backend. The
	// default charges everything except context cancellation, so a client
	// hanging up mid-request does not trip the breaker.
	IsFailure func(error) bool
	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)

	Now func() time.Time
}

func notCancelled(err error) bool { return !errors.Is(err, context.Canceled) }

// CircuitBreaker is a closed/open/half-open breaker around one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int // consecutive, while closed
	openedAt time.Time
	probes   int // admitted while half-open
	passed   int // succeeded while half-open
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = notCancelled
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the backend label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn when the breaker admits it and feeds the outcome back.
// A rejected call returns [ErrCircuitOpen]; otherwise fn's error is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports half-open; the switch itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.enter(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cooledDown() {
		cb.enter(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.probes++
			probe = true
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, err
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err != nil && !cb.cfg.IsFailure(err):
		// Uncharged; a probe slot is handed back.
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil && probe:
		cb.enter(StateOpen)
	case err != nil:
		if cb.state == StateClosed {
			cb.failures++
			if cb.failures >= cb.cfg.MaxFailures {
				cb.enter(StateOpen)
			}
		}
	case probe:
		if cb.state == StateHalfOpen {
			cb.passed++
			if cb.passed >= cb.cfg.HalfOpenMax {
				cb.enter(StateClosed)
			}
		}
	case cb.state == StateClosed:
		cb.failures = 0
	}
	to, failures := cb.state, cb.failures
	cb.mu.Unlock()

	if to == StateOpen && from == StateClosed {
		slog.Warn("resilience: breaker opened", "provider", cb.cfg.Name, "consecutive_failures", failures, "err", err)
	}
	cb.notify(from, to)
}

// enter switches state and resets the counters of the new state. Caller
// holds cb.mu.
func (cb *CircuitBreaker) enter(s State) {
	cb.state = s
	cb.probes, cb.passed = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	switch {
	case from == StateHalfOpen && to == StateOpen:
		slog.Warn("resilience: breaker re-opened by failed probe", "provider", cb.cfg.Name)
	case to != StateOpen:
		slog.Info("resilience: breaker "+to.String(), "provider", cb.cfg.Name)
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
