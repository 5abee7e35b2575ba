package backend

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/iota-xfel/iota/internal/layout"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/worker"
)

// Local runs batches in process with a bounded pool of goroutines.
type Local struct {
	worker worker.Worker
	run    layout.RunPaths

	mx   sync.Mutex
	seq  int
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

type localJob struct {
	cancel context.CancelFunc
	done   chan struct{}
	stats  worker.Stats
	err    error
}

func NewLocal(w worker.Worker, run layout.RunPaths) *Local {
	return &Local{
		worker: w,
		run:    run,
		jobs:   make(map[string]*localJob),
	}
}

func (l *Local) Name() string { return model.MethodLocal }

func (l *Local) Submit(ctx context.Context, batch []model.WorkItem, concurrency int) (Handle, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.seq++
	h := Handle{
		Backend:   l.Name(),
		ID:        "local-" + strconv.Itoa(os.Getpid()) + "-" + strconv.Itoa(l.seq),
		Seq:       l.seq,
		Items:     len(batch),
		Submitted: time.Now().UTC(),
	}
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &localJob{cancel: cancel, done: make(chan struct{})}
	l.jobs[h.ID] = job

	driver := worker.NewDriver(l.worker, l.run, concurrency)
	l.wg.Go(func() {
		defer close(job.done)
		defer cancel()
		job.stats, job.err = driver.Run(jctx, batch)
		if job.err != nil && !errors.Is(job.err, worker.ErrAborted) {
			slog.ErrorContext(jctx, "local batch failed", "batch", h.ID, "error", job.err)
		}
	})
	return h, nil
}

// Alive is false for handles this process doesn't know, such as ones
// restored from a snapshot. Handle ids carry the pid, so a handle of a dead
// process never matches a batch of this one.
func (l *Local) Alive(_ context.Context, h Handle) (bool, error) {
	l.mx.Lock()
	job, ok := l.jobs[h.ID]
	l.mx.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case <-job.done:
		return false, nil
	default:
		return true, nil
	}
}

// RequestAbort does nothing, local workers stop on the abort sentinel.
func (l *Local) RequestAbort(context.Context, Handle) error {
	return nil
}

// Close cancels running batches and waits for them.
func (l *Local) Close() error {
	l.mx.Lock()
	for _, job := range l.jobs {
		job.cancel()
	}
	l.mx.Unlock()
	l.wg.Wait()
	return nil
}

// Wait blocks until every submitted batch ended.
func (l *Local) Wait() {
	l.wg.Wait()
}
