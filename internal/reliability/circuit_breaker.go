package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
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

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// StateChangeFunc adapts a function to StateChangeListener
type StateChangeFunc func(name string, from, to State, reason string)

// OnStateChange implements StateChangeListener
func (f StateChangeFunc) OnStateChange(name string, from, to State, reason string) {
	f(name, from, to, reason)
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenActive  int
	lastFailureTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalRejected   int64

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int

	listeners []StateChangeListener

	// events queue transitions for in-order delivery; notifyMu is held by
	// the goroutine currently draining them
	events   []stateChange
	notifyMu sync.Mutex
}

type stateChange struct {
	from, to State
	reason   string
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes needed in half-open state to close
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open before probing
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the circuit breaker name used in errors and notifications
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChangeListener registers a listener at construction time
func WithStateChangeListener(listener StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, listener)
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit rejects it.
// An error that comes from ctx ending is returned without counting as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := cb.acquire()
	cb.flush()
	if err != nil {
		return err
	}

	err = fn()
	if callerGone(ctx, err) {
		cb.release()
	} else {
		cb.record(err)
	}
	cb.flush()
	return err
}

// callerGone reports whether err is ctx's own cancellation or deadline
func callerGone(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// State returns the current state, moving open to half-open once the timeout passed
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	cb.maybeHalfOpen()
	state := cb.state
	cb.mu.Unlock()

	cb.flush()
	return state
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	if cb.state != StateClosed {
		cb.transition(StateClosed, "reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenActive = 0
	cb.mu.Unlock()

	cb.flush()
}

// acquire checks whether an execution may proceed
func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.maybeHalfOpen()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		cb.totalRejected++
		return cb.rejection(cb.lastFailureTime.Add(cb.timeout))

	case StateHalfOpen:
		if cb.halfOpenActive >= cb.halfOpenRequests {
			cb.totalRejected++
			return cb.rejection(time.Now().Add(cb.timeout))
		}
		cb.halfOpenActive++
		return nil

	default:
		return ErrUnknownState
	}
}

func (cb *CircuitBreaker) rejection(nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailureTime,
		NextRetry:        nextRetry,
	}
}

// maybeHalfOpen must be called with mu held
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.timeout {
		cb.successes = 0
		cb.halfOpenActive = 0
		cb.transition(StateHalfOpen, "timeout expired")
	}
}

// release frees a half-open slot without recording an outcome
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
}

// record records the result of an execution
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.successes = 0
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.transition(StateClosed,
				fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// transition must be called with mu held. The change is queued and
// delivered by flush once mu is released.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	if len(cb.listeners) > 0 {
		cb.events = append(cb.events, stateChange{from: from, to: to, reason: reason})
	}
}

// flush delivers queued transitions to listeners in the order they happened.
// Only one goroutine drains at a time; a caller that finds the drain busy
// leaves its events to that goroutine. Listeners may call back into the breaker.
func (cb *CircuitBreaker) flush() {
	for {
		if !cb.notifyMu.TryLock() {
			return
		}
		for {
			cb.mu.Lock()
			events := cb.events
			cb.events = nil
			cb.mu.Unlock()
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				for _, listener := range cb.listeners {
					listener.OnStateChange(cb.name, ev.from, ev.to, ev.reason)
				}
			}
		}
		cb.notifyMu.Unlock()

		cb.mu.Lock()
		pending := len(cb.events)
		cb.mu.Unlock()
		if pending == 0 {
			return
		}
	}
}

// GetMetrics returns circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalRejected   int64
	CurrentFailures int
	LastFailureTime time.Time
}
