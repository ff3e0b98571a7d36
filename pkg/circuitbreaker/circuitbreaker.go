package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling through while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

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

type Config struct {
	FailureThreshold    int           // consecutive failures that open the breaker
	SuccessThreshold    int           // half-open successes that close it again
	Timeout             time.Duration // open time before probing
	MaxRequestsHalfOpen int           // concurrent trial calls while half-open
	// IsFailure decides whether err counts against the remote. nil counts
	// every error.
	IsFailure func(err error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// CircuitBreaker stops calling a remote that keeps failing and lets trial
// calls through again after Timeout.
type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers fn. fn runs after each transition, outside the
// breaker's lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := Do(ctx, cb, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Do runs fn through cb and returns its result. fn's error is returned
// unchanged.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	halfOpen, err := cb.acquire()
	if err != nil {
		return zero, err
	}

	result, err := fn()
	cb.record(halfOpen, err)
	return result, err
}

func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if cb.state == StateOpen {
		if time.Since(cb.stateChangeTime) < cb.config.Timeout {
			return false, fmt.Errorf("%w (retry after %s)", ErrOpen, cb.config.Timeout-time.Since(cb.stateChangeTime))
		}
		notify = cb.transitionTo(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.config.MaxRequestsHalfOpen {
			return false, fmt.Errorf("%w (trial in flight)", ErrOpen)
		}
		cb.halfOpenInFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(halfOpen bool, err error) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if halfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	if failed {
		cb.failureCount++
		cb.successCount = 0
		cb.lastFailureTime = time.Now()
		switch {
		case cb.state == StateHalfOpen:
			notify = cb.transitionTo(StateOpen)
		case cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold:
			notify = cb.transitionTo(StateOpen)
		}
		return
	}

	cb.failureCount = 0
	cb.successCount++
	if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
		notify = cb.transitionTo(StateClosed)
	}
}

// transitionTo must be called with cb.mu held. It returns the state change
// callback to run after unlocking.
func (cb *CircuitBreaker) transitionTo(next State) func() {
	if cb.state == next {
		return nil
	}
	prev := cb.state
	cb.state = next
	cb.stateChangeTime = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(prev, next) }
	}
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	StateChangeTime time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		StateChangeTime: cb.stateChangeTime,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionTo(StateClosed)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
