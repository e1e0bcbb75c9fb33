package bulk

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Limiter admits at most N tasks at once. Waiting callers are admitted in arrival order.
type Limiter struct {
	sem    *semaphore.Weighted
	max    int
	active atomic.Int32
	peak   atomic.Int32
}

// NewLimiter creates a limiter with ceiling n (minimum 1).
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), max: n}
}

// Run waits for a free slot, then runs task. The slot is released when task returns,
// whether it failed or not. If ctx ends while waiting, task is not run.
func (l *Limiter) Run(ctx context.Context, task func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	n := l.active.Inc()
	defer l.active.Dec()
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return task(ctx)
}

// Max returns the configured ceiling.
func (l *Limiter) Max() int { return l.max }

// Active returns how many tasks are running now.
func (l *Limiter) Active() int { return int(l.active.Load()) }

// Peak returns the highest number of tasks that ran at the same time.
func (l *Limiter) Peak() int { return int(l.peak.Load()) }
