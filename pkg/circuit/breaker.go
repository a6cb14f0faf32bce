// Package circuit provides a circuit breaker for poolcore's outbound
// dependencies (daemon RPC, Kafka, databases).
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows requests through.
	StateClosed State = iota
	// StateOpen rejects requests outright.
	StateOpen
	// StateHalfOpen lets probe requests through to test recovery.
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

// Config holds breaker thresholds.
type Config struct {
	// MaxFailures opens the breaker when reached in the closed state.
	MaxFailures int
	// SuccessRequired closes the breaker from half-open.
	SuccessRequired int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ResetTimeout clears the failure count while closed.
	ResetTimeout time.Duration
}

// DefaultConfig returns the baseline breaker configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	config *Config
	mu     sync.RWMutex

	state        State
	failures     int
	successes    int
	lastFailTime time.Time
	lastReset    time.Time
}

// New creates a Breaker in the closed state.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:    config,
		state:     StateClosed,
		lastReset: time.Now(),
	}
}

// Execute runs fn behind the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn behind the breaker and returns its value.
func ExecuteWithResult[T any](_ context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !b.allow() {
		return zero, errors.New(errors.KindInternal, "circuit_breaker",
			"circuit breaker is open").
			WithField("state", b.GetState().String())
	}

	result, err := fn()
	b.record(err)
	return result, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		if now.Sub(b.lastReset) > b.config.ResetTimeout {
			b.failures = 0
			b.lastReset = now
		}
		return true

	case StateOpen:
		if now.Sub(b.lastFailTime) > b.config.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailTime = time.Now()

		// Any failure while probing reopens the breaker.
		if b.state == StateHalfOpen ||
			(b.state == StateClosed && b.failures >= b.config.MaxFailures) {
			b.state = StateOpen
			b.successes = 0
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessRequired {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.lastReset = time.Now()
		}
	case StateClosed:
		b.successes++
	}
}

// GetState returns the current breaker state.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// GetStats returns a snapshot of the breaker counters.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastReset = time.Now()
}
