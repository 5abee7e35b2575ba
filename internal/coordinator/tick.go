package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/backend"
	"github.com/iota-xfel/iota/internal/input"
	"github.com/iota-xfel/iota/internal/model"
)

// Tick runs one poll: abort requests, backend liveness, harvest and the
// state transition which follows from them. Liveness is queried before
// harvesting, so results written by a batch which just ended are folded in
// the same tick that sees it gone.
func (c *Coordinator) Tick(ctx context.Context) error {
	c.tickMx.Lock()
	defer c.tickMx.Unlock()
	ctx = c.logCtx(ctx)

	state := c.State()
	switch {
	case state == stateNew:
		return ErrNotStarted
	case state.Terminal(), state == model.StateUnknown:
		return nil
	}

	c.processAbort(ctx)
	alive := c.alive(ctx)
	harvested := c.harvest(ctx)

	c.mx.Lock()
	c.updated = c.now()
	aborting := c.aborting
	c.mx.Unlock()

	var err error
	switch {
	case aborting:
		err = c.tickAborting(ctx, alive)
	case state == model.StateWatching:
		err = c.tickWatching(ctx)
	default:
		err = c.tickDispatching(ctx, alive, harvested)
	}
	if !c.State().Terminal() {
		c.notify(ctx)
	}
	return err
}

// processAbort turns an abort request, from the API or from a sentinel
// written by another process, into the abort protocol: sentinel first, then
// the backend fast path.
func (c *Coordinator) processAbort(ctx context.Context) {
	c.mx.Lock()
	requested := c.abortReq
	c.abortReq = false
	if c.aborting {
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()

	if !requested {
		if !c.run.AbortRequested() {
			return
		}
		slog.InfoContext(ctx, "abort sentinel found", "path", c.run.Abort())
	}
	if err := atomicfile.Touch(c.run.Abort()); err != nil {
		slog.ErrorContext(ctx, "writing abort sentinel", "error", err)
	}
	c.mx.Lock()
	c.aborting = true
	c.abortPoll = 0
	c.mx.Unlock()

	for _, h := range c.Handles() {
		if c.hasEnded(h) {
			continue
		}
		if err := c.backend.RequestAbort(ctx, h); err != nil {
			slog.WarnContext(ctx, "backend abort request", "id", h.ID, "error", err)
		}
	}
	slog.InfoContext(ctx, "abort requested")
}

func handleKey(h backend.Handle) string {
	return strconv.Itoa(h.Seq) + "/" + h.ID
}

func (c *Coordinator) hasEnded(h backend.Handle) bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	_, ok := c.ended[handleKey(h)]
	return ok
}

// alive reports whether any submitted batch still runs. A handle which once
// reported done is not asked again. A failed query counts as alive.
func (c *Coordinator) alive(ctx context.Context) bool {
	running := false
	for _, h := range c.Handles() {
		if c.hasEnded(h) {
			continue
		}
		ok, err := c.backend.Alive(ctx, h)
		if err != nil {
			slog.WarnContext(ctx, "querying backend", "id", h.ID, "error", err)
			running = true
			continue
		}
		if !ok {
			c.mx.Lock()
			c.ended[handleKey(h)] = struct{}{}
			c.mx.Unlock()
			slog.DebugContext(ctx, "batch ended", "id", h.ID, "seq", h.Seq)
			continue
		}
		running = true
	}
	return running
}

// harvest folds new results into the aggregate and returns how many were
// new.
func (c *Coordinator) harvest(ctx context.Context) int {
	agg := c.Aggregate()
	results, err := c.harvester.Scan(ctx, agg.Known())
	if err != nil {
		slog.WarnContext(ctx, "harvesting results", "error", err)
	}
	n := agg.Fold(results...)
	if n > 0 {
		slog.DebugContext(ctx, "results harvested", "new", n, "harvested", agg.Harvested(), "items", agg.Len())
	}
	return n
}

func (c *Coordinator) tickAborting(ctx context.Context, alive bool) error {
	c.mx.Lock()
	c.abortPoll++
	polls := c.abortPoll
	force := c.forceReq
	c.mx.Unlock()

	switch {
	case !alive:
		return c.endAbort(ctx, "")
	case c.run.AbortConfirmed():
		return c.endAbort(ctx, "")
	case force:
		slog.WarnContext(ctx, "abort forced before it was confirmed", "polls", polls)
		return c.endAbort(ctx, "aborted without confirmation, processes may still be running")
	}

	if polls == c.confirmPolls {
		msg := fmt.Sprintf("abort not confirmed after %d polls, force the abort to stop waiting", polls)
		slog.WarnContext(ctx, msg)
		c.mx.Lock()
		c.warning = msg
		c.mx.Unlock()
	}
	return nil
}

func (c *Coordinator) endAbort(ctx context.Context, warning string) error {
	c.mx.Lock()
	c.aborting, c.forceReq = false, false
	c.warning = warning
	c.mx.Unlock()
	return c.finish(ctx, model.StateAborted)
}

func (c *Coordinator) tickDispatching(ctx context.Context, alive bool, harvested int) error {
	agg := c.Aggregate()
	if agg.IsComplete() {
		return c.exhausted(ctx)
	}
	if alive || harvested > 0 {
		c.mx.Lock()
		c.stalled = 0
		c.mx.Unlock()
		return nil
	}

	c.mx.Lock()
	c.stalled++
	stalled := c.stalled
	c.mx.Unlock()
	if stalled < c.stallPolls {
		return nil
	}
	missing := agg.Len() - agg.Harvested()
	msg := fmt.Sprintf("backend stopped with %d items without result", missing)
	slog.WarnContext(ctx, msg, "polls", stalled)
	c.mx.Lock()
	c.warning = msg
	c.stalled = 0
	c.mx.Unlock()
	return c.exhausted(ctx)
}

// exhausted is reached once the known batch produced all it will.
func (c *Coordinator) exhausted(ctx context.Context) error {
	if !c.cfg.Monitor.Enabled {
		return c.finish(ctx, model.StateFinished)
	}
	c.mx.Lock()
	c.idleSince = time.Time{}
	c.mx.Unlock()
	return c.transition(ctx, model.StateWatching)
}

func (c *Coordinator) tickWatching(ctx context.Context) error {
	paths, err := c.enumerate(ctx)
	if err != nil {
		slog.WarnContext(ctx, "polling input", "error", err)
		return nil
	}
	agg := c.Aggregate()
	known := append(agg.Items(), agg.Pending()...)
	fresh := input.Extend(known, paths)

	if len(fresh) > 0 {
		slog.InfoContext(ctx, "new items found", "count", len(fresh), "first", fresh[0].Ordinal)
		agg.AddPending(fresh...)
		batch := agg.DrainPending()
		if err := input.WriteList(c.run.InputList(), agg.Items()); err != nil {
			slog.WarnContext(ctx, "updating input list", "error", err)
		}
		if err := c.dispatch(ctx, batch); err != nil {
			c.fail(ctx, err)
			return err
		}
		c.mx.Lock()
		c.idleSince = time.Time{}
		c.mx.Unlock()
		return c.transition(ctx, model.StateDispatching)
	}

	now := c.now()
	c.mx.Lock()
	if c.idleSince.IsZero() {
		c.idleSince = now
	}
	idle := now.Sub(c.idleSince)
	c.mx.Unlock()
	if c.idleTimeout > 0 && idle >= c.idleTimeout {
		slog.InfoContext(ctx, "no new items, idle timeout elapsed", "idle", idle, "timeout", c.idleTimeout)
		return c.finish(ctx, model.StateFinished)
	}
	return nil
}

// Do polls until the run reaches a terminal state. Cancelling ctx detaches
// from the run: the snapshot is saved and the batches keep running, a later
// resume or recover picks them up.
func (c *Coordinator) Do(ctx context.Context) error {
	ctx = c.logCtx(ctx)
	if err := c.done(); err != nil || c.State().Terminal() {
		return err
	}

	ticks := make(chan struct{}, 1)
	scheduler, err := c.newScheduler(ctx, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.WarnContext(ctx, "stopping poll scheduler", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.save(context.WithoutCancel(ctx))
			slog.InfoContext(ctx, "detached from run", "state", c.State())
			return nil
		case <-ticks:
		case <-c.wake:
		}
		if err := c.Tick(ctx); err != nil && !c.State().Terminal() {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		if c.State().Terminal() {
			return c.done()
		}
	}
}

// done returns the error a finished Do reports for the current state.
func (c *Coordinator) done() error {
	switch state := c.State(); state {
	case stateNew:
		return ErrNotStarted
	case model.StateUnknown:
		return errors.New("run state is unknown, recover it first")
	case model.StateFailed:
		return c.Err()
	default:
		return nil
	}
}

func (c *Coordinator) newScheduler(ctx context.Context, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	expr := strings.TrimSpace(c.cfg.Poll.Interval)
	if expr != "" && !strings.HasPrefix(expr, "P") {
		job = gocron.CronJob(expr, false)
	} else {
		job = gocron.DurationJob(c.interval)
	}
	slog.DebugContext(ctx, "poll interval", "interval", c.interval.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
