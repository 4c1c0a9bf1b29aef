// Package workpool runs per-URL deliveries with a bounded number in flight.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits how many jobs of one fan-out run at the same time.
// A limit of 1 runs jobs sequentially in submission order.
type Pool struct {
	sem   *semaphore.Weighted
	limit int
}

// New creates a Pool that allows at most limit concurrent jobs.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Limit returns the configured concurrency.
func (p *Pool) Limit() int {
	if p == nil {
		return 1
	}
	return p.limit
}

// Each calls fn(i) for every i in [0, n) and returns when all calls have
// finished. Jobs not yet started when ctx is cancelled are skipped; their
// indexes are returned.
func (p *Pool) Each(ctx context.Context, n int, fn func(i int)) (skipped []int) {
	if p == nil || p.limit == 1 {
		for i := range n {
			if ctx.Err() != nil {
				skipped = append(skipped, i)
				continue
			}
			fn(i)
		}
		return skipped
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := range n {
		if ctx.Err() != nil || p.sem.Acquire(ctx, 1) != nil {
			mu.Lock()
			skipped = append(skipped, i)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			fn(i)
		}()
	}
	wg.Wait()
	return skipped
}
