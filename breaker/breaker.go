// Package breaker implements a closed/open/half-open circuit breaker used to
// isolate failing external dependencies (token endpoint, Helix-style APIs)
// from the connection orchestrator. State is shared per dependency, not per
// connection.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/telemetry"
)

// ErrOpen is returned without invoking the wrapped call while the circuit is
// open and the cooldown has not elapsed yet.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker's position.
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

// Breaker wraps calls to one external dependency. Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	openFor   time.Duration

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	lastChange    time.Time
	trialInFlight bool
}

// New returns a closed breaker for the named dependency that opens after
// threshold consecutive failures and stays open for openFor.
func New(name string, threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, openFor: openFor, lastChange: time.Now()}
}

// Do invokes fn unless the circuit is open. While half-open exactly one trial
// call is admitted; its success closes the circuit, its failure re-opens it
// and restarts the cooldown. fn's error is returned unchanged so callers can
// classify it.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	now := time.Now()
	isTrial := false
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.openFor {
			b.mu.Unlock()
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		isTrial = true
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInFlight = true
		isTrial = true
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	// A call that started while the breaker was still closed may finish
	// during a later half-open trial; its result must not end that trial.
	if isTrial {
		b.trialInFlight = false
	}
	if err != nil {
		b.failures++
		if (isTrial && b.state == StateHalfOpen) || b.failures >= b.threshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
		return err
	}
	b.failures = 0
	if b.state != StateClosed && isTrial {
		b.transition(StateClosed)
	}
	return nil
}

// State returns the current position, accounting for an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.openFor {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition must be called with b.mu held.
func (b *Breaker) transition(s State) {
	b.state = s
	b.lastChange = time.Now()
	telemetry.UpdateCircuitGauge(s == StateOpen)
}
