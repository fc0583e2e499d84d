package core

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerState enumerates the three states of a classic circuit breaker.
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker guards a flaky downstream call (e.g. store.RedisStore) the
// way the teacher's resilience package guards outbound agent calls.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error
	GetState() CircuitBreakerState
	GetMetrics() CircuitBreakerMetrics
	Reset()
	CanExecute() bool
}

// CircuitBreakerMetrics is a read-only snapshot of a breaker's counters.
type CircuitBreakerMetrics struct {
	Successes       int64
	Failures        int64
	ConsecutiveFail int64
	LastStateChange time.Time
}

// CircuitBreakerParams configures the trip/recovery thresholds.
type CircuitBreakerParams struct {
	FailureThreshold int           // consecutive failures before tripping open
	OpenTimeout      time.Duration // how long to stay open before probing half-open
	SuccessThreshold int           // consecutive half-open successes before closing
}

// DefaultCircuitBreakerParams mirrors the teacher's conservative defaults.
func DefaultCircuitBreakerParams() CircuitBreakerParams {
	return CircuitBreakerParams{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
	}
}

// SimpleCircuitBreaker is a mutex-guarded, in-process breaker implementation.
type SimpleCircuitBreaker struct {
	mu     sync.Mutex
	params CircuitBreakerParams
	clock  Clock

	state           CircuitBreakerState
	consecutiveFail int64
	consecutiveOK   int64
	successes       int64
	failures        int64
	openedAt        time.Time
	lastStateChange time.Time
}

// NewSimpleCircuitBreaker builds a breaker using the real clock.
func NewSimpleCircuitBreaker(params CircuitBreakerParams) *SimpleCircuitBreaker {
	return &SimpleCircuitBreaker{
		params:          params,
		clock:           RealClock{},
		lastStateChange: time.Now(),
	}
}

func (b *SimpleCircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked()
}

func (b *SimpleCircuitBreaker) canExecuteLocked() bool {
	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.params.OpenTimeout {
			b.state = CircuitHalfOpen
			b.consecutiveOK = 0
			b.lastStateChange = b.clock.Now()
			return true
		}
		return false
	default:
		return true
	}
}

func (b *SimpleCircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if !b.canExecuteLocked() {
		b.mu.Unlock()
		return Wrap("circuitbreaker.Execute", "", ErrStorageFailure)
	}
	b.mu.Unlock()

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *SimpleCircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Execute(tctx, fn)
}

func (b *SimpleCircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.successes++
		b.consecutiveFail = 0
		if b.state == CircuitHalfOpen {
			b.consecutiveOK++
			if b.consecutiveOK >= int64(b.params.SuccessThreshold) {
				b.state = CircuitClosed
				b.lastStateChange = b.clock.Now()
			}
		}
		return
	}

	b.failures++
	b.consecutiveFail++
	if b.state == CircuitHalfOpen || b.consecutiveFail >= int64(b.params.FailureThreshold) {
		b.state = CircuitOpen
		b.openedAt = b.clock.Now()
		b.lastStateChange = b.openedAt
	}
}

func (b *SimpleCircuitBreaker) GetState() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *SimpleCircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitBreakerMetrics{
		Successes:       b.successes,
		Failures:        b.failures,
		ConsecutiveFail: b.consecutiveFail,
		LastStateChange: b.lastStateChange,
	}
}

func (b *SimpleCircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.consecutiveFail = 0
	b.consecutiveOK = 0
	b.lastStateChange = b.clock.Now()
}
