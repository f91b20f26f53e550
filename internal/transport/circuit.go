package transport

import (
	"sync"
	"time"
)

// circuitState is the per-target circuit breaker's internal state machine:
// closed → open (after failure_threshold consecutive failures) → half_open
// (after cooldown elapses) → closed (on the half-open probe's success).
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// breaker is one target's circuit breaker. Zero value is a closed breaker.
type breaker struct {
	mu               sync.Mutex
	state            circuitState
	consecutiveFails int
	openedAt         time.Time

	failureThreshold int
	cooldown         time.Duration
}

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	return &breaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// allow reports whether a request may proceed, advancing open→half_open
// once cooldown has elapsed. The second return value reports whether the
// request is a half-open probe (including the one that just triggered the
// open→half_open transition), so callers can pace it before it's issued —
// isOpen alone can't see this, since by the time it's checked the state has
// already moved past circuitOpen.
func (b *breaker) allow() (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return true, false
	case circuitHalfOpen:
		return true, true
	case circuitOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = circuitHalfOpen
			return true, true
		}
		return false, false
	}
	return true, false
}

// recordSuccess closes the breaker, whatever state it was in.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = circuitClosed
	b.consecutiveFails = 0
}

// recordFailure increments the failure streak and opens the breaker once
// the threshold is reached. A failure observed while half-open reopens it
// immediately.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.state = circuitOpen
		b.openedAt = time.Now()
	}
}
