package completion

import (
	"testing"
	"time"
)

func TestBreaker_OpensAtExactThreshold(t *testing.T) {
	b := newBreaker(3, time.Minute, time.Minute)
	now := time.Now()

	if !b.Allow() {
		t.Fatal("breaker should start closed")
	}

	b.RecordFailure(now)
	b.RecordFailure(now)
	if b.IsOpen() {
		t.Fatal("breaker opened before reaching threshold")
	}

	b.RecordFailure(now)
	if !b.IsOpen() {
		t.Fatal("breaker should open at exactly the failure threshold")
	}
	if b.Allow() {
		t.Fatal("Allow() should be false while open and cooldown has not elapsed")
	}
}

func TestBreaker_ClosesAfterCooldown(t *testing.T) {
	b := newBreaker(1, time.Minute, 10*time.Millisecond)
	now := time.Now()
	b.RecordFailure(now)
	if !b.IsOpen() {
		t.Fatal("breaker should be open after one failure at threshold 1")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("Allow() should be true once cooldown has elapsed")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := newBreaker(3, time.Minute, time.Minute)
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordSuccess()
	b.RecordFailure(now)
	b.RecordFailure(now)
	if b.IsOpen() {
		t.Fatal("breaker should not open: success should have reset the streak")
	}
}

func TestBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b := newBreaker(2, 5*time.Millisecond, time.Minute)
	start := time.Now()
	b.RecordFailure(start)
	b.RecordFailure(start.Add(10 * time.Millisecond))
	if b.IsOpen() {
		t.Fatal("failures separated by more than window should not accumulate")
	}
}
