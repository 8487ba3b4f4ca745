// Package resilience houses the admission gates that protect the pipeline:
// circuit breakers, rate limits, cost limits, quarantine, and SLO tracking.
// All state is in-memory; gates are consulted per work item before the model
// call.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

const (
	breakerWindow      = 60
	breakerMinSamples  = 10
	breakerThreshold   = 0.5
	breakerCooldown    = 30 * time.Second
	breakerCooldownCap = 5 * time.Minute
)

// Breaker is one circuit over a rolling outcome window. Opens when the error
// rate over the last 60 outcomes exceeds 50% (min 10 samples), refuses for a
// cooldown, then admits a single probe; probe failure reopens with doubled
// cooldown.
type Breaker struct {
	mu        sync.Mutex
	now       func() time.Time
	state     BreakerState
	outcomes  []bool // true = failure; ring of breakerWindow
	pos       int
	filled    int
	cooldown  time.Duration
	openedAt  time.Time
	probeBusy bool
}

func newBreaker(now func() time.Time) *Breaker {
	return &Breaker{now: now, state: BreakerClosed, outcomes: make([]bool, breakerWindow), cooldown: breakerCooldown}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeBusy = true
		return true
	case BreakerHalfOpen:
		if b.probeBusy {
			return false
		}
		b.probeBusy = true
		return true
	}
	return false
}

// CancelProbe releases a half-open probe slot without recording an outcome.
// Called when an admitted item never reaches the model call.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probeBusy = false
	}
}

// RecordSuccess feeds a success into the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.cooldown = breakerCooldown
		b.probeBusy = false
		b.reset()
		return
	}
	b.push(false)
}

// RecordFailure feeds a failure into the window and trips the breaker when
// the error rate crosses the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.cooldown *= 2
		if b.cooldown > breakerCooldownCap {
			b.cooldown = breakerCooldownCap
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probeBusy = false
		return
	}
	b.push(true)
	if b.state == BreakerClosed && b.filled >= breakerMinSamples {
		failures := 0
		for i := 0; i < b.filled; i++ {
			if b.outcomes[i] {
				failures++
			}
		}
		if float64(failures)/float64(b.filled) > breakerThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

func (b *Breaker) push(failure bool) {
	b.outcomes[b.pos] = failure
	b.pos = (b.pos + 1) % breakerWindow
	if b.filled < breakerWindow {
		b.filled++
	}
}

func (b *Breaker) reset() {
	b.pos = 0
	b.filled = 0
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Breakers is the registry of circuits keyed by (agent, provider, model).
type Breakers struct {
	mu  sync.Mutex
	now func() time.Time
	all map[string]*Breaker
}

func NewBreakers() *Breakers {
	return NewBreakersAt(time.Now)
}

// NewBreakersAt injects the clock. Used by tests.
func NewBreakersAt(now func() time.Time) *Breakers {
	return &Breakers{now: now, all: make(map[string]*Breaker)}
}

// For returns (creating if needed) the breaker for an agent's model route.
func (r *Breakers) For(agentID, provider, model string) *Breaker {
	key := agentID + "|" + provider + "|" + model
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.all[key]
	if !ok {
		b = newBreaker(r.now)
		r.all[key] = b
	}
	return b
}
