// Package resilience provides the circuit breaker and retry policy every
// outbound provider adapter is wrapped with.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State of a circuit breaker.
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
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrCircuitOpen is returned without invoking the wrapped call while the
// breaker is open and the cool-down has not elapsed.
type ErrCircuitOpen struct {
	Name string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit %s is open", e.Name)
}

// BreakerOptions configures one breaker instance.
type BreakerOptions struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long the breaker stays open before allowing a trial.
	Timeout time.Duration
	// Window is the sliding window within which failures are counted.
	Window time.Duration
	// OnStateChange observes transitions for metrics, called as (to, from).
	OnStateChange func(to, from State)
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Breaker is a mutex-guarded circuit breaker. One instance exists per
// downstream service and is shared by all concurrent jobs.
type Breaker struct {
	opts BreakerOptions

	mu            sync.Mutex
	state         State
	failures      []time.Time
	successes     int
	lastAttempt   time.Time
	trialInFlight bool
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{opts: opts, state: StateClosed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker's admission policy.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.trimFailures(now)

	if b.state == StateOpen {
		if now.Sub(b.lastAttempt) < b.opts.Timeout {
			return &ErrCircuitOpen{Name: b.opts.Name}
		}
		b.changeState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		// One trial call at a time; everyone else keeps fast-failing.
		if b.trialInFlight {
			return &ErrCircuitOpen{Name: b.opts.Name}
		}
		b.trialInFlight = true
	}
	return nil
}

func (b *Breaker) trimFailures(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.failures = append(b.failures, now)
	b.lastAttempt = now
	b.trialInFlight = false

	switch {
	case b.state == StateHalfOpen:
		b.changeState(StateOpen)
		b.successes = 0
	case b.state == StateClosed && len(b.failures) >= b.opts.FailureThreshold:
		b.changeState(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.trialInFlight = false
	switch {
	case b.state == StateHalfOpen && b.successes >= b.opts.SuccessThreshold:
		b.changeState(StateClosed)
		b.successes = 0
		b.failures = nil
	case b.state == StateClosed:
		// Only sustained failure runs within the window count.
		b.failures = nil
	}
}

func (b *Breaker) changeState(next State) {
	prev := b.state
	b.state = next
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(next, prev)
	}
}
