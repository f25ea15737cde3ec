package orchestrator

import (
	"context"
	"sync"
)

// runBounded calls fn for every item on at most workers goroutines and
// returns results and errors at the index of their item.
func runBounded[T, R any](ctx context.Context, workers int, items []T, fn func(context.Context, T) (R, error)) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))
	if len(items) == 0 {
		return results, errs
	}

	if workers > len(items) {
		workers = len(items)
	}
	if workers < 1 {
		workers = 1
	}

	queue := make(chan int, len(items))
	for i := range items {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				results[i], errs[i] = fn(ctx, items[i])
			}
		}()
	}
	wg.Wait()

	return results, errs
}
