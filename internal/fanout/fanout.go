// Package fanout runs a function over a slice with bounded concurrency while
// keeping results in input order.
package fanout

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Map calls fn for every item using at most workers goroutines. Workers pull
// the next index from a shared cursor; result i always corresponds to item i.
// The first error cancels the remaining work and is returned.
func Map[T, R any](
	ctx context.Context,
	items []T,
	workers int,
	fn func(ctx context.Context, i int, item T) (R, error),
) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return fmt.Errorf("fanout item %d: %w", i, err)
				}
				res, err := fn(gctx, i, items[i])
				if err != nil {
					return err
				}
				results[i] = res
			}
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
