package sandbox

import (
	"sync"
	"time"

	"github.com/nanogridbot/ngb/internal/faults"
)

// Breaker trips after threshold consecutive launch failures and rejects
// runs until the cooldown passes. Agent-level errors do not count; only
// failures to run the container at all (spawn, mount, timeout) do.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow returns a CircuitBreakerOpen fault while the breaker is open.
func (b *Breaker) Allow() error {
	if b == nil || b.threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openUntil) {
		return faults.New(faults.CircuitBreakerOpen, "container launches suspended until %s", b.openUntil.Format(time.RFC3339))
	}
	return nil
}

// Record feeds a run outcome into the breaker. A success closes it and
// clears the failure streak.
func (b *Breaker) Record(failed bool) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !failed {
		b.failures = 0
		b.openUntil = time.Time{}
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		b.failures = 0
	}
}
