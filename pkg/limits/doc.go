// Package limits bounds concurrent work.
//
// ConcurrentLimiter is a counting semaphore. Acquire never blocks and is
// suitable for request paths that prefer rejecting over queueing; Wait blocks
// until a slot frees or the context ends, which is how the listeners apply
// backpressure at the accept boundary:
//
//	limiter := limits.NewConcurrentLimiter(cfg.MaxConnections)
//	if err := limiter.Wait(ctx); err != nil {
//		return err
//	}
//	defer limiter.Release()
package limits
