package completion

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's own two-state machine (closed, open),
// separate from the per-agent queue state machine in queue.go.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
)

// breaker is a per-provider circuit breaker: after failureThreshold
// consecutive failures within window, it opens for cooldown and fails
// fast until the cooldown elapses.
type breaker struct {
	mu sync.Mutex

	failureThreshold int
	window           time.Duration
	cooldown         time.Duration

	state           breakerState
	consecutiveFail int
	firstFailAt     time.Time
	openedAt        time.Time
}

func newBreaker(failureThreshold int, window, cooldown time.Duration) *breaker {
	return &breaker{failureThreshold: failureThreshold, window: window, cooldown: cooldown}
}

// Allow reports whether a call may proceed. If the breaker is open but
// its cooldown has elapsed, it half-opens (allows one probe call) by
// resetting to closed optimistically; a subsequent failure reopens it.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerClosed {
		return true
	}
	if time.Since(b.openedAt) >= b.cooldown {
		b.state = breakerClosed
		b.consecutiveFail = 0
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure streak.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.consecutiveFail = 0
}

// RecordFailure counts a transport/5xx-equivalent failure, opening the
// breaker once failureThreshold consecutive failures land inside
// window of each other.
func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutiveFail == 0 || now.Sub(b.firstFailAt) > b.window {
		b.firstFailAt = now
		b.consecutiveFail = 0
	}
	b.consecutiveFail++

	if b.consecutiveFail >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}

// IsOpen reports the breaker's current state without mutating it.
func (b *breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}
