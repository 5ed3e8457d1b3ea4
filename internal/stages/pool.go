// Package stages contains the concrete pipeline stages: metadata extraction,
// face finding, geometric normalization, captioning, and video demuxing.
// Stages take their expensive collaborators (image decoding, face detection,
// external tools) as injected functions so they stay testable in isolation.
package stages

import (
	"context"
	"sync"

	"facelapse/internal/pipeline"
)

// forEach runs fn for every index in [0, n) across the given number of
// workers. The first error cancels the remaining work and is returned.
func forEach(ctx context.Context, workers, n int, fn func(i int) error) error {
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idx := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				if err := fn(i); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case idx <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(idx)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return context.Cause(ctx)
}

// report forwards a progress step if a reporter is attached.
func report(r pipeline.Reporter, stage, item string, index, total int) {
	if r != nil {
		r.Step(stage, item, index, total)
	}
}
