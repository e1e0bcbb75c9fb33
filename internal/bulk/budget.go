package bulk

import (
	"context"
	"sync"
	"time"
)

// itemBudget cancels an item's context with context.DeadlineExceeded once the item has been
// running for its budget. The clock can be paused while the item waits on something outside
// its control. A nil budget does nothing.
type itemBudget struct {
	mu        sync.Mutex
	timer     *time.Timer
	remaining time.Duration
	resumed   time.Time
	paused    bool
	cancel    context.CancelCauseFunc
}

func startItemBudget(ctx context.Context, d time.Duration) (context.Context, *itemBudget) {
	if d <= 0 {
		return ctx, nil
	}
	ctx, cancel := context.WithCancelCause(ctx)
	b := &itemBudget{remaining: d, resumed: time.Now(), cancel: cancel}
	b.timer = time.AfterFunc(d, func() { cancel(context.DeadlineExceeded) })
	return ctx, b
}

func (b *itemBudget) pause() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		return
	}
	b.paused = true
	if b.timer.Stop() {
		b.remaining -= time.Since(b.resumed)
		if b.remaining <= 0 {
			b.remaining = time.Nanosecond
		}
	}
}

func (b *itemBudget) resume() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.paused {
		return
	}
	b.paused = false
	b.resumed = time.Now()
	b.timer.Reset(b.remaining)
}

func (b *itemBudget) stop() {
	if b == nil {
		return
	}
	b.timer.Stop()
	b.cancel(context.Canceled)
}
