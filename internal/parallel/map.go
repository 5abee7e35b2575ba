// Package parallel maps sequences with bounded concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d   D
	err error
}

// Map applies mapFunc to the elements of a sequence with at most limit
// calls in flight. Results arrive in completion order, errors of the input
// sequence are passed through as they are.
//
//	for result, err := range parallel.NewMap(ctx, 4, read).Iter(input) {}
//
// Leaving the loop early cancels the calls still running.
type Map[E, D any] struct {
	ctx     context.Context
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{
		ctx:     ctx,
		limit:   max(1, limit),
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		g, gctx := errgroup.WithContext(ctx)
		// one slot is taken by the feeder
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		send := func(r result[D]) bool {
			select {
			case mapped <- r:
				return true
			case <-gctx.Done():
				return false
			}
		}
		g.Go(func() error {
			for entry, err := range seq {
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					var zero D
					if !send(result[D]{d: zero, err: err}) {
						return nil
					}
					continue
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					send(result[D]{d: d, err: err})
					return nil
				})
			}
			return nil
		})
		go func() {
			_ = g.Wait()
			close(mapped)
		}()
		defer func() {
			cancel()
			for range mapped {
			}
		}()

		for r := range mapped {
			if !yield(r.d, r.err) {
				return
			}
		}
	}
}
