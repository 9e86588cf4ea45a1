package core

import (
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker suppresses new connects after threshold consecutive connect
// failures. After reset it lets one probe through; the probe's outcome
// closes or reopens it. It is owned by the event loop.
type breaker struct {
	threshold int           // consecutive failures before opening, 0 disables
	reset     time.Duration // time to wait before half-open

	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	return &breaker{threshold: threshold, reset: reset}
}

// allow reports whether a new connect may start at now.
func (b *breaker) allow(now time.Time) bool {
	if b.threshold <= 0 {
		return true
	}
	switch b.state {
	case breakerOpen:
		if now.Sub(b.lastFailure) <= b.reset {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *breaker) failure(now time.Time) {
	if b.threshold <= 0 {
		return
	}
	b.failures++
	b.lastFailure = now

	switch b.state {
	case breakerClosed:
		if b.failures >= b.threshold {
			b.state = breakerOpen
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.probing = false
	}
}

func (b *breaker) success() {
	// consecutive failures only
	b.failures = 0
	b.state = breakerClosed
	b.probing = false
}
