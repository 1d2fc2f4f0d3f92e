package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	// errCircuitOpen is returned by Call while the circuit rejects operations.
	errCircuitOpen = errors.New("circuit breaker is open")

	// errConnection marks capture failures that warrant a reconnection.
	errConnection = errors.New("connection error")

	// errEndOfStream marks the end of a finite source such as a video file.
	errEndOfStream = errors.New("end of stream")
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed indicates normal operation with successful stream reads.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates too many failures occurred, blocking operations.
	CircuitOpen
	// CircuitHalfOpen indicates testing if the stream has recovered.
	CircuitHalfOpen
)

// String returns a string representation of the CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards live stream reads. After maxFailures consecutive read
// failures it rejects reads until timeout has passed, then lets reads through
// in half-open state until recoveryThreshold of them succeed.
type CircuitBreaker struct {
	// state holds the current circuit state (closed/open/half-open).
	state atomic.Int32
	// failureCount tracks consecutive failures for triggering state changes.
	failureCount atomic.Int64
	// lastFailureTime records when the last failure occurred for timeout calculations.
	lastFailureTime atomic.Int64
	// successCount tracks successful operations in half-open state.
	successCount atomic.Int64

	maxFailures       int64
	timeout           time.Duration
	recoveryThreshold int64
	logger            *slog.Logger
}

// NewCircuitBreaker creates a circuit breaker with the specified configuration.
// maxFailures: number of consecutive failures before opening
// timeout: how long to wait before attempting recovery
// recoveryThreshold: successful operations needed to fully recover
func NewCircuitBreaker(maxFailures int64, timeout time.Duration, recoveryThreshold int64, logger *slog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:       maxFailures,
		timeout:           timeout,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
	}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Call executes fn if the circuit allows it. While open it returns an error
// wrapping errCircuitOpen without calling fn. errEndOfStream from fn is passed
// through without counting as a failure.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if CircuitState(cb.state.Load()) == CircuitOpen {
		lastFailure := time.Unix(0, cb.lastFailureTime.Load())
		if time.Since(lastFailure) <= cb.timeout {
			return fmt.Errorf("%w, last failure: %v ago", errCircuitOpen, time.Since(lastFailure))
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.successCount.Store(0)
			cb.logger.Info("Circuit breaker state transition",
				"from", CircuitOpen.String(),
				"to", CircuitHalfOpen.String(),
				"timeout_elapsed", time.Since(lastFailure))
		}
	}

	err := fn()
	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.Is(err, errEndOfStream):
	default:
		cb.recordFailure()
	}
	return err
}

// recordFailure increments the failure count and potentially opens the circuit.
func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureTime.Store(time.Now().UnixNano())
	failures := cb.failureCount.Add(1)
	currentState := CircuitState(cb.state.Load())

	switch {
	case currentState == CircuitHalfOpen:
		// Any failure during recovery reopens the circuit.
		cb.state.Store(int32(CircuitOpen))
		cb.successCount.Store(0)
		cb.logger.Warn("Circuit breaker state transition",
			"from", currentState.String(),
			"to", CircuitOpen.String(),
			"reason", "failure_during_recovery")
	case failures >= cb.maxFailures && currentState == CircuitClosed:
		cb.state.Store(int32(CircuitOpen))
		cb.logger.Warn("Circuit breaker state transition",
			"from", currentState.String(),
			"to", CircuitOpen.String(),
			"failure_count", failures,
			"max_failures", cb.maxFailures)
	}
}

// recordSuccess resets failure count and potentially closes the circuit from half-open.
func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount.Store(0)

	if CircuitState(cb.state.Load()) != CircuitHalfOpen {
		return
	}
	successes := cb.successCount.Add(1)
	if successes >= cb.recoveryThreshold && cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		cb.logger.Info("Circuit breaker state transition",
			"from", CircuitHalfOpen.String(),
			"to", CircuitClosed.String(),
			"success_count", successes,
			"recovery_threshold", cb.recoveryThreshold)
	}
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitState {
	return CircuitState(cb.state.Load())
}

// Reset forcibly closes the circuit. It is called after a successful stream
// reconnection.
func (cb *CircuitBreaker) Reset() {
	oldState := CircuitState(cb.state.Load())
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	if oldState != CircuitClosed {
		cb.state.Store(int32(CircuitClosed))
		cb.logger.Info("Circuit breaker reset to CLOSED",
			"previous_state", oldState.String(),
			"reason", "successful_reconnection")
	}
}

// GetFailureCount returns the current failure count.
func (cb *CircuitBreaker) GetFailureCount() int64 {
	return cb.failureCount.Load()
}

// GetLastFailureTime returns the time of the last failure.
func (cb *CircuitBreaker) GetLastFailureTime() time.Time {
	nanos := cb.lastFailureTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
