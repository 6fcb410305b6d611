package refresh

import (
	"context"
	gosync "sync"
	"sync/atomic"
)

// ParallelResult holds the result of processing one item.
type ParallelResult[T any, R any] struct {
	Item  T
	Value R
	Err   error
}

// ParallelCollect processes items with the given number of workers and
// returns one result per item started. A failing item does not stop the
// others; only ctx cancellation does.
//
// The onProgress callback is called after each item, failed or not.
func ParallelCollect[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	process func(ctx context.Context, item T) (R, error),
	onProgress func(done int64, total int64),
) []ParallelResult[T, R] {
	if len(items) == 0 {
		return nil
	}

	workers = normalizeWorkers(workers, len(items))
	total := int64(len(items))

	jobs := make(chan T, len(items))
	results := make(chan ParallelResult[T, R], len(items))
	var done int64

	var wg gosync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if ctx.Err() != nil {
					return
				}
				value, err := process(ctx, item)
				n := atomic.AddInt64(&done, 1)
				if onProgress != nil {
					onProgress(n, total)
				}
				results <- ParallelResult[T, R]{Item: item, Value: value, Err: err}
			}
		}()
	}

	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]ParallelResult[T, R], 0, len(items))
	for res := range results {
		out = append(out, res)
	}
	return out
}

// normalizeWorkers ensures worker count is between 1 and item count.
func normalizeWorkers(workers, itemCount int) int {
	if workers < 1 {
		workers = 1
	}
	if workers > itemCount {
		workers = itemCount
	}
	return workers
}
