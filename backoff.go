package mqttasync

import (
	"sync"
	"time"
)

// BackoffStrategy is a function that computes the next backoff duration.
// It receives the current attempt number (1-based), the previous backoff duration,
// and the error from the failed attempt. The result is capped at the
// maximum retry interval.
type BackoffStrategy func(attempt int, currentBackoff time.Duration, err error) time.Duration

// Backoff produces the delays between automatic reconnect attempts.
// Without a strategy the delay starts at the minimum and doubles after
// every failed attempt up to the maximum. Reset starts over.
type Backoff struct {
	mu       sync.Mutex
	min      time.Duration
	max      time.Duration
	strategy BackoffStrategy
	attempt  int
	current  time.Duration
}

// NewBackoff creates a backoff between minDelay and maxDelay. A nil strategy
// selects doubling.
func NewBackoff(minDelay, maxDelay time.Duration, strategy BackoffStrategy) *Backoff {
	if minDelay <= 0 {
		minDelay = defaultMinRetryInterval
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Backoff{
		min:      minDelay,
		max:      maxDelay,
		strategy: strategy,
		current:  minDelay,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule. err is the failure of the previous attempt, if any.
func (b *Backoff) Next(err error) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	b.attempt++

	next := b.current * 2
	if b.strategy != nil {
		next = b.strategy(b.attempt, b.current, err)
	}
	b.current = min(max(next, b.min), b.max)

	return delay
}

// Reset returns the schedule to the minimum delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.current = b.min
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
