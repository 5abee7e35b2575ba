package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/layout"
	ilog "github.com/iota-xfel/iota/internal/log"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/resultfile"
)

var ErrAborted = errors.New("batch aborted")

// Driver feeds a batch to a worker with bounded concurrency. It checks the
// abort sentinel before every item, an item in flight is never
// interrupted.
type Driver struct {
	worker      Worker
	run         layout.RunPaths
	concurrency int
}

func NewDriver(w Worker, run layout.RunPaths, concurrency int) *Driver {
	return &Driver{
		worker:      w,
		run:         run,
		concurrency: max(1, concurrency),
	}
}

// Stats counts the outcome of a driver run.
type Stats struct {
	Written int64
	Errors  int64
}

// Run processes batch and writes a result object per processed item. On
// abort it confirms with the aborted sentinel and returns ErrAborted, on
// completion it writes the finish sentinel.
func (d *Driver) Run(ctx context.Context, batch []model.WorkItem) (Stats, error) {
	var stats Stats
	var aborted atomic.Bool
	check := func() bool {
		if d.run.AbortRequested() {
			aborted.Store(true)
		}
		return aborted.Load()
	}

	g := errgroup.Group{}
	g.SetLimit(min(d.concurrency, max(1, len(batch))))
	for _, item := range batch {
		if ctx.Err() != nil || check() {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || check() {
				return nil
			}
			if d.process(ctx, item) {
				atomic.AddInt64(&stats.Written, 1)
			} else {
				atomic.AddInt64(&stats.Errors, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case aborted.Load():
		slog.InfoContext(ctx, "batch aborted", "written", stats.Written)
		if err := atomicfile.Touch(d.run.Aborted()); err != nil {
			return stats, fmt.Errorf("confirming abort: %w", err)
		}
		return stats, ErrAborted
	case ctx.Err() != nil:
		return stats, ctx.Err()
	}
	if err := atomicfile.Touch(d.run.Finish()); err != nil {
		return stats, fmt.Errorf("writing finish marker: %w", err)
	}
	slog.DebugContext(ctx, "batch done", "written", stats.Written, "errors", stats.Errors)
	return stats, nil
}

func (d *Driver) process(ctx context.Context, item model.WorkItem) bool {
	ctx = ilog.ContextAttrs(ctx,
		slog.Int("ordinal", item.Ordinal),
		slog.String("path", item.Payload.Path),
	)
	res, err := d.worker.Process(ctx, item)
	if err != nil {
		slog.ErrorContext(ctx, "item not processed", "error", err)
		return false
	}
	if _, err := resultfile.Write(d.run.Objects, item, res); err != nil {
		slog.ErrorContext(ctx, "writing result", "error", err)
		return false
	}
	return true
}
