package circuit

import (
	"sync"
	"time"
)

// Breaker counts failures inside a rolling window. Once threshold failures
// fall within the window it opens for the cooldown period, during which
// Allow reports false. Successes in between do not clear the window.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	window        time.Duration
	cooldown      time.Duration
	failures      []time.Time
	cooldownUntil time.Time
	now           func() time.Time
}

// NewBreaker uses cooldown as both the counting window and the open period.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		window:    cooldown,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// RecordFailure returns true when this failure opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.threshold {
		b.cooldownUntil = now.Add(b.cooldown)
		b.failures = nil
		return true
	}
	return false
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	keep := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	b.failures = keep
}

func (b *Breaker) Allow() bool {
	return b.CooldownRemaining() == 0
}

func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if remaining := b.cooldownUntil.Sub(b.now()); remaining > 0 {
		return remaining
	}
	return 0
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.cooldownUntil = time.Time{}
}

// FailureCount is the number of failures still inside the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}
