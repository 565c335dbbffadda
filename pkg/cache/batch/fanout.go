package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// fanOut calls fn for 0..n-1 with at most maxConcurrency calls in flight. Each
// call's error or panic lands in its own slot. It returns false when ctx ended
// before every call returned; the slots must not be read in that case.
func (o *Operations) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) ([]error, bool) {
	errs := make([]error, n)
	if n == 0 {
		return errs, ctx.Err() == nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		var g errgroup.Group
		g.SetLimit(o.maxConcurrency)
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				continue
			}
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						o.stats.panics.Add(1)
						errs[i] = fmt.Errorf("panic: %v", r)
					}
				}()
				errs[i] = fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return errs, ctx.Err() == nil
	case <-ctx.Done():
		return nil, false
	}
}
