package limits

import (
	"context"
	"sync/atomic"
)

// ConcurrentLimiter limits the number of simultaneous holders of a slot.
//
// Acquire and Release are lock-free. Blocked Wait callers are woken one at a
// time through a single-slot channel; a woken waiter that takes a slot and
// sees more free slots passes the wakeup on, so no free slot is left
// unclaimed while someone waits.
type ConcurrentLimiter struct {
	limit   int64
	current int64
	waiting int64

	wake chan struct{}
}

// NewConcurrentLimiter creates a limiter allowing limit concurrent holders.
// A limit below one is treated as one.
func NewConcurrentLimiter(limit int) *ConcurrentLimiter {
	if limit < 1 {
		limit = 1
	}
	return &ConcurrentLimiter{
		limit: int64(limit),
		wake:  make(chan struct{}, 1),
	}
}

// Acquire attempts to take a slot without blocking and reports whether it
// did. A true result must be paired with Release.
func (cl *ConcurrentLimiter) Acquire() bool {
	current := atomic.AddInt64(&cl.current, 1)
	if current > cl.limit {
		atomic.AddInt64(&cl.current, -1)
		return false
	}
	return true
}

// Wait takes a slot, blocking until one frees or ctx ends. It returns
// ctx.Err() when ctx ends first.
func (cl *ConcurrentLimiter) Wait(ctx context.Context) error {
	if cl.Acquire() {
		return nil
	}

	atomic.AddInt64(&cl.waiting, 1)
	defer atomic.AddInt64(&cl.waiting, -1)

	for {
		// A slot may have been released between the failed Acquire and the
		// waiting counter becoming visible.
		if cl.Acquire() {
			cl.passWakeup()
			return nil
		}
		select {
		case <-cl.wake:
			if cl.Acquire() {
				cl.passWakeup()
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees a slot taken by Acquire or Wait.
func (cl *ConcurrentLimiter) Release() {
	if atomic.AddInt64(&cl.current, -1) < 0 {
		atomic.StoreInt64(&cl.current, 0)
	}
	cl.signal()
}

func (cl *ConcurrentLimiter) passWakeup() {
	if cl.Remaining() > 0 && atomic.LoadInt64(&cl.waiting) > 1 {
		cl.signal()
	}
}

func (cl *ConcurrentLimiter) signal() {
	select {
	case cl.wake <- struct{}{}:
	default:
	}
}

// Current returns the number of held slots.
func (cl *ConcurrentLimiter) Current() int64 {
	return atomic.LoadInt64(&cl.current)
}

// Limit returns the configured limit.
func (cl *ConcurrentLimiter) Limit() int64 {
	return atomic.LoadInt64(&cl.limit)
}

// Remaining returns the number of free slots.
func (cl *ConcurrentLimiter) Remaining() int64 {
	remaining := atomic.LoadInt64(&cl.limit) - atomic.LoadInt64(&cl.current)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Waiting returns the number of callers blocked in Wait.
func (cl *ConcurrentLimiter) Waiting() int64 {
	return atomic.LoadInt64(&cl.waiting)
}
