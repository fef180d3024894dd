// Package circuit wraps external dependencies with a circuit breaker.
package circuit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/types"
)

// State represents breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the wire name of the state
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

// Breaker protects one external dependency.
// N consecutive failures open the breaker; after the reset timeout a single
// probe is admitted in half-open state. Calls against an open breaker fail
// fast with service_unavailable.
type Breaker struct {
	name          string
	failThreshold int
	resetTimeout  time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a breaker for the named dependency
func NewBreaker(name string, failThreshold int, resetTimeout time.Duration) *Breaker {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:          name,
		failThreshold: failThreshold,
		resetTimeout:  resetTimeout,
		state:         StateClosed,
	}
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under breaker protection
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) >= b.resetTimeout {
			b.setState(StateHalfOpen)
			b.probing = true
			return nil
		}
		return types.EField(types.ErrServiceUnavailable, b.name, "circuit breaker open")
	case StateHalfOpen:
		if b.probing {
			return types.EField(types.ErrServiceUnavailable, b.name, "circuit breaker half-open, probe in flight")
		}
		b.probing = true
	}
	return nil
}

// record applies a call outcome to the breaker state
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		if success {
			b.failures = 0
			b.setState(StateClosed)
		} else {
			b.lastFailure = time.Now()
			b.setState(StateOpen)
		}
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.failThreshold {
			b.setState(StateOpen)
		}
	}
}

// setState transitions the breaker (caller holds lock)
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	log.Printf("[CIRCUIT] %s: %s -> %s", b.name, b.state, next)
	b.state = next
}
