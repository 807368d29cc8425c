package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen reports that a target has failed repeatedly and calls to it
// are being short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit is operational and requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit has tripped due to failures and requests are blocked.
	CircuitOpen
	// CircuitHalfOpen means one probe request is testing whether the target recovered.
	CircuitHalfOpen
)

// String returns a human-readable string for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for per-target circuit breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures before the circuit trips.
	// Zero disables circuit breaking.
	Threshold int
	// ResetAfter is the duration to wait before letting a probe request through.
	ResetAfter time.Duration
}

// circuitBreaker trips open after Threshold consecutive failures and lets a
// single probe through once ResetAfter has passed.
type circuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	state            CircuitState
	now              func() time.Time
}

func (cb *circuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetAfter {
			cb.state = CircuitHalfOpen
			return nil
		}
		return fmt.Errorf("%w: failed %d times, last failure %v ago",
			ErrCircuitOpen, cb.consecutiveFails, cb.now().Sub(cb.lastFailure).Round(time.Second))
	default:
		// A probe is already in flight.
		return fmt.Errorf("%w: probing for recovery", ErrCircuitOpen)
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.state = CircuitClosed
}

// recordFailure returns true when this failure tripped the circuit.
func (cb *circuitBreaker) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		return true
	}
	if cb.state == CircuitClosed && cb.consecutiveFails >= cb.threshold {
		cb.state = CircuitOpen
		return true
	}
	return false
}

func (cb *circuitBreaker) currentState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerInvoker wraps an Invoker with one circuit breaker per target.
type BreakerInvoker struct {
	next   Invoker
	cfg    BreakerConfig
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

var _ Invoker = (*BreakerInvoker)(nil)

// NewBreakerInvoker wraps next. A zero threshold returns next unchanged.
func NewBreakerInvoker(next Invoker, cfg BreakerConfig, logger *zap.Logger) Invoker {
	if cfg.Threshold <= 0 {
		return next
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 30 * time.Second
	}
	return &BreakerInvoker{
		next:     next,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		breakers: make(map[string]*circuitBreaker),
	}
}

func (b *BreakerInvoker) breaker(target string) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[target]
	if !ok {
		cb = &circuitBreaker{
			threshold:  b.cfg.Threshold,
			resetAfter: b.cfg.ResetAfter,
			state:      CircuitClosed,
			now:        b.now,
		}
		b.breakers[target] = cb
	}
	return cb
}

// Invoke calls the wrapped invoker unless the target's circuit is open.
func (b *BreakerInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	key := string(req.Type) + ":" + req.Target
	cb := b.breaker(key)
	if err := cb.allow(); err != nil {
		return Result{}, err
	}

	res, err := b.next.Invoke(ctx, req)
	if countsAsFailure(ctx, err) {
		if cb.recordFailure() {
			b.logger.Warn("Backend circuit opened",
				zap.String("backend", string(req.Type)),
				zap.String("target", req.Target),
				zap.Error(err))
		}
		return res, err
	}

	cb.recordSuccess()
	return res, err
}

// State returns the circuit state for a backend target.
func (b *BreakerInvoker) State(req Request) CircuitState {
	return b.breaker(string(req.Type) + ":" + req.Target).currentState()
}

// countsAsFailure reports whether err says the target is unhealthy. Client
// errors (4xx other than 429) prove the target is up; a caller-cancelled
// context says nothing about the target.
func countsAsFailure(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil && !IsTimeout(err) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsRetryable()
	}
	return true
}
