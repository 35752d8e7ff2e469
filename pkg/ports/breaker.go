package ports

import (
	"sync"
	"time"
)

// BreakerState is the circuit position for one adapter.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold = 3
	// RecoveryWindow is how long an open breaker rejects calls before
	// allowing a half-open probe.
	RecoveryWindow = 300 * time.Second
)

// Breaker is a per-adapter circuit breaker. Closed passes calls through and
// counts consecutive failures; open rejects until the recovery window
// elapses; half-open admits exactly one probe, closing on success and
// reopening on failure.
type Breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	probeInFlight bool

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{state: BreakerClosed, now: time.Now}
}

// Allow reports whether a call may proceed right now. An open breaker whose
// recovery window has elapsed transitions to half-open and admits one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= RecoveryWindow {
			b.state = BreakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Available reports whether the adapter is currently callable, without
// consuming the half-open probe slot. Listing active ports must not spend the
// probe; only an actual call through Allow does.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return b.now().Sub(b.lastFailure) >= RecoveryWindow
	case BreakerHalfOpen:
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a failed or timed-out call. The threshold'th
// consecutive failure, or any half-open probe failure, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	b.probeInFlight = false

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		return
	}

	b.failures++
	if b.failures >= FailureThreshold {
		b.state = BreakerOpen
	}
}

// State returns the current circuit position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed. Used for test isolation and operator
// intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
}

// setClock swaps the time source in tests.
func (b *Breaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
