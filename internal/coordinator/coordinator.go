// Package coordinator drives a run: it dispatches work items, harvests
// results from the run directory and owns the run state machine.
//
// All state transitions happen in Tick, which is called by the poll loop
// in Do. RequestAbort and ForceAbort only record the request and wake the
// loop.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iota-xfel/iota/internal/aggregate"
	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/backend"
	"github.com/iota-xfel/iota/internal/harvest"
	"github.com/iota-xfel/iota/internal/input"
	"github.com/iota-xfel/iota/internal/layout"
	ilog "github.com/iota-xfel/iota/internal/log"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/notify"
	"github.com/iota-xfel/iota/internal/store"
)

var (
	ErrNotStarted        = errors.New("run not started")
	ErrRunInProgress     = errors.New("run in progress")
	ErrNotAborting       = errors.New("no abort in progress")
	ErrAbortNotConfirmed = errors.New("abort not confirmed")
)

// Source enumerates the input paths of a run. It is polled in monitor mode
// and on resume.
type Source func(ctx context.Context) ([]string, error)

// Paths is a Source over fixed input paths.
func Paths(paths []string) Source {
	return func(ctx context.Context) ([]string, error) {
		return input.Enumerate(ctx, paths)
	}
}

type Options struct {
	Config   model.Config
	Run      layout.RunPaths
	Backend  backend.Backend
	Source   Source          // nil => the image list of the run itself
	Notifier notify.Notifier // nil => no notifications
	DB       *sql.DB         // run index, optional
	RunID    string          // empty => a new uuid
	Now      func() time.Time
}

type Coordinator struct {
	cfg       model.Config
	run       layout.RunPaths
	backend   backend.Backend
	source    Source
	notifier  notify.Notifier
	db        *sql.DB
	now       func() time.Time
	runID     string
	harvester *harvest.Harvester

	interval     time.Duration
	idleTimeout  time.Duration
	confirmPolls int
	stallPolls   int

	// tickMx serializes Tick, Start and Resume
	tickMx sync.Mutex

	mx        sync.RWMutex
	state     model.RunState
	warning   string
	err       error
	agg       *aggregate.Aggregate
	handles   []backend.Handle
	ended     map[string]struct{} // handles known not to be alive
	started   time.Time
	updated   time.Time
	abortReq  bool
	forceReq  bool
	aborting  bool
	abortPoll int
	idleSince time.Time
	stalled   int

	wake chan struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is nil")
	}
	interval, err := opts.Config.Poll.IntervalDuration()
	if err != nil {
		return nil, fmt.Errorf("poll.interval: %w", err)
	}
	timeout, err := opts.Config.Monitor.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("monitor.timeout: %w", err)
	}
	c := &Coordinator{
		cfg:          opts.Config,
		run:          opts.Run,
		backend:      opts.Backend,
		source:       opts.Source,
		notifier:     opts.Notifier,
		db:           opts.DB,
		now:          opts.Now,
		runID:        opts.RunID,
		harvester:    harvest.New(opts.Run.Objects),
		interval:     interval,
		idleTimeout:  timeout,
		confirmPolls: max(1, opts.Config.Poll.AbortConfirmPolls),
		stallPolls:   max(1, opts.Config.Poll.StallPolls),
		state:        stateNew,
		agg:          aggregate.New(nil),
		ended:        make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	if c.notifier == nil {
		c.notifier = notify.Multi{}
	}
	return c, nil
}

func (c *Coordinator) RunID() string { return c.runID }

func (c *Coordinator) Run() layout.RunPaths { return c.run }

func (c *Coordinator) State() model.RunState {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.state
}

// Warning returns a condition the user should know about, such as an abort
// which was not confirmed yet.
func (c *Coordinator) Warning() string {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.warning
}

// Err returns the error which put the run into the failed state.
func (c *Coordinator) Err() error {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.err
}

func (c *Coordinator) Aggregate() *aggregate.Aggregate {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.agg
}

func (c *Coordinator) Handles() []backend.Handle {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return append([]backend.Handle(nil), c.handles...)
}

func (c *Coordinator) Progress() notify.Progress {
	c.mx.RLock()
	state, warning, agg, updated := c.state, c.warning, c.agg, c.updated
	c.mx.RUnlock()
	return notify.Progress{
		RunID:    c.runID,
		RunDir:   c.run.Root,
		State:    state,
		Warning:  warning,
		Line:     agg.Line(c.cfg.Processing.ConvertOnly),
		Items:    agg.Len(),
		Counters: agg.Counters(),
		Summary:  agg.Summary(),
		Updated:  updated,
	}
}

func (c *Coordinator) logCtx(ctx context.Context) context.Context {
	return ilog.ContextAttrs(ctx,
		slog.String("run_id", c.runID),
		slog.Int("run_no", c.run.Number),
	)
}

func (c *Coordinator) concurrency(n int) int {
	p := c.cfg.Processing.Processors
	if p <= 0 {
		p = runtime.NumCPU()
	}
	return max(1, min(p, n))
}

// Start dispatches items as the initial batch of the run.
func (c *Coordinator) Start(ctx context.Context, items []model.WorkItem) error {
	c.tickMx.Lock()
	defer c.tickMx.Unlock()
	ctx = c.logCtx(ctx)

	if c.State() != stateNew {
		return ErrRunInProgress
	}
	if len(items) == 0 {
		return model.ErrNoInput
	}
	// the snapshot must not depend on the directory the run is resumed from
	paths, err := input.Abs(c.cfg.Input.Paths)
	if err != nil {
		return err
	}
	c.mx.Lock()
	c.cfg.Input.Paths = paths
	c.agg = aggregate.New(items)
	c.started = c.now()
	c.mx.Unlock()

	if err := input.WriteList(c.run.InputList(), items); err != nil {
		return fmt.Errorf("writing input list: %w", err)
	}
	if err := c.run.ClearSentinels(); err != nil {
		return fmt.Errorf("clearing sentinels: %w", err)
	}
	slog.InfoContext(ctx, "starting run", "dir", c.run.Root, "items", len(items), "backend", c.backend.Name())
	if err := c.dispatch(ctx, items); err != nil {
		c.fail(ctx, err)
		return err
	}
	return c.transition(ctx, model.StateDispatching)
}

// Resume re-enumerates the input and dispatches every item which has no
// result yet. Failed items count as attempted and are not retried. Items
// already in the image list keep their ordinals, new ones are appended.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.tickMx.Lock()
	defer c.tickMx.Unlock()
	ctx = c.logCtx(ctx)

	state := c.State()
	if state == stateNew {
		return ErrNotStarted
	}
	if !state.Terminal() {
		return fmt.Errorf("%w: %s", ErrRunInProgress, state)
	}
	if err := c.run.ClearSentinels(); err != nil {
		return fmt.Errorf("clearing sentinels: %w", err)
	}
	c.mx.Lock()
	c.warning = ""
	c.err = nil
	c.aborting, c.abortReq, c.forceReq = false, false, false
	c.abortPoll, c.stalled = 0, 0
	c.idleSince = time.Time{}
	c.mx.Unlock()
	if err := c.transition(ctx, model.StateResuming); err != nil {
		return err
	}

	// results written after the run stopped count as attempted
	c.harvest(ctx)

	paths, err := c.enumerate(ctx)
	if err != nil {
		c.fail(ctx, err)
		return err
	}
	agg := c.Aggregate()
	remaining := input.Remainder(paths, agg.Attempted())

	bySource := make(map[string]model.WorkItem)
	for _, it := range agg.Items() {
		bySource[it.Payload.Source] = it
	}
	var fresh []string
	var reused []model.WorkItem
	for _, p := range remaining {
		if it, ok := bySource[p]; ok {
			reused = append(reused, it)
			continue
		}
		fresh = append(fresh, p)
	}
	added := input.Items(fresh, agg.MaxOrdinal()+1)
	agg.Extend(added)
	todo := append(reused, added...)
	slog.InfoContext(ctx, "resuming run", "attempted", len(paths)-len(remaining), "remaining", len(todo), "new", len(added))

	if len(todo) == 0 {
		return c.finish(ctx, model.StateFinished)
	}
	if err := input.WriteList(c.run.InputList(), agg.Items()); err != nil {
		slog.WarnContext(ctx, "updating input list", "error", err)
	}
	if err := c.dispatch(ctx, todo); err != nil {
		c.fail(ctx, err)
		return err
	}
	c.save(ctx)
	return nil
}

func (c *Coordinator) enumerate(ctx context.Context) ([]string, error) {
	if c.source != nil {
		return c.source(ctx)
	}
	items := c.Aggregate().Items()
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Payload.Source
	}
	return out, nil
}

// RequestAbort asks the loop to abort the run. It never blocks.
func (c *Coordinator) RequestAbort() {
	c.mx.Lock()
	c.abortReq = true
	c.mx.Unlock()
	c.poke()
}

// ForceAbort moves an abort which could not be confirmed to the aborted
// state on the next tick.
func (c *Coordinator) ForceAbort() error {
	c.mx.Lock()
	if !c.aborting && !c.abortReq {
		c.mx.Unlock()
		return ErrNotAborting
	}
	c.forceReq = true
	c.mx.Unlock()
	c.poke()
	return nil
}

func (c *Coordinator) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dispatch(ctx context.Context, batch []model.WorkItem) error {
	h, err := c.backend.Submit(ctx, batch, c.concurrency(len(batch)))
	if err != nil {
		return err
	}
	if err := c.Aggregate().Dispatch(batch); err != nil {
		return err
	}
	c.mx.Lock()
	c.handles = append(c.handles, h)
	c.mx.Unlock()
	slog.InfoContext(ctx, "batch dispatched", "backend", h.Backend, "id", h.ID, "items", len(batch))
	return nil
}

func (c *Coordinator) transition(ctx context.Context, to model.RunState) error {
	c.mx.Lock()
	from := c.state
	if err := validateTransition(from, to); err != nil {
		c.mx.Unlock()
		return err
	}
	c.state = to
	c.updated = c.now()
	c.mx.Unlock()
	slog.InfoContext(ctx, "run state changed", "from", from, "to", to)
	c.save(ctx)
	return nil
}

// fail moves the run to the failed state. Prior results stay intact.
func (c *Coordinator) fail(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "run failed", "error", err)
	c.mx.Lock()
	c.err = err
	c.warning = err.Error()
	c.mx.Unlock()
	if terr := c.transition(ctx, model.StateFailed); terr != nil {
		slog.ErrorContext(ctx, "can't enter failed state", "error", terr)
	}
	c.notify(ctx)
}

// finish enters a terminal state: the snapshot is persisted and the tmp
// directory removed.
func (c *Coordinator) finish(ctx context.Context, to model.RunState) error {
	if err := c.transition(ctx, to); err != nil {
		return err
	}
	if err := c.run.RemoveTmp(); err != nil {
		slog.WarnContext(ctx, "removing tmp dir", "error", err)
	}
	p := c.Progress()
	slog.InfoContext(ctx, "run ended", "state", to, "line", p.Line, "summary", p.Summary)
	c.notify(ctx)
	return nil
}

func (c *Coordinator) notify(ctx context.Context) {
	if err := c.notifier.Notify(ctx, c.Progress()); err != nil {
		slog.WarnContext(ctx, "notifying progress", "error", err)
	}
}

func (c *Coordinator) snapshot() store.Snapshot {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return store.Snapshot{
		RunID:     c.runID,
		State:     c.state,
		Warning:   c.warning,
		Config:    c.cfg,
		Handles:   append([]backend.Handle(nil), c.handles...),
		Aggregate: c.agg.Snapshot(),
		Started:   c.started,
		Saved:     c.now().UTC(),
	}
}

// save persists the snapshot and updates the run index. Failures are
// logged, the run goes on.
func (c *Coordinator) save(ctx context.Context) {
	snap := c.snapshot()
	if err := store.SaveSnapshot(c.run.Snapshot(), snap); err != nil {
		slog.ErrorContext(ctx, "saving snapshot", "error", err)
	}
	if c.db == nil {
		return
	}
	counters := c.Aggregate().Counters()
	c.mx.RLock()
	started := c.started
	c.mx.RUnlock()
	if err := store.Record(ctx, c.db, store.Run{
		UUID:      c.runID,
		Dir:       c.run.Root,
		Number:    c.run.Number,
		State:     snap.State,
		Items:     len(snap.Aggregate.Items),
		Harvested: counters.Harvested,
		Succeeded: counters.Succeeded,
		Warning:   snap.Warning,
		Started:   started,
		Updated:   snap.Saved,
	}); err != nil {
		slog.WarnContext(ctx, "updating run index", "error", err)
	}
}

// Recover reopens a run from its snapshot with the configuration it was
// started with. A run saved in a non terminal state is of unknown
// completion: results written since are harvested and the run becomes
// finished when complete. Otherwise it is reattached in the dispatching
// state while the backend still runs one of its batches, and aborted when
// none runs.
func Recover(ctx context.Context, opts Options) (*Coordinator, error) {
	snap, err := store.LoadSnapshot(opts.Run.Snapshot())
	if err != nil {
		return nil, err
	}
	opts.Config = snap.Config
	if opts.RunID == "" {
		opts.RunID = snap.RunID
	}
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	ctx = c.logCtx(ctx)
	c.agg = aggregate.Restore(snap.Aggregate)
	c.handles = snap.Handles
	c.warning = snap.Warning
	c.started = snap.Started
	c.state = derive(snap.State)
	if c.state != model.StateUnknown {
		return c, nil
	}

	c.harvest(ctx)
	if !c.agg.IsComplete() && c.alive(ctx) {
		// batches of the previous process still write results, dispatching
		// their items again would give them a second writer
		slog.WarnContext(ctx, "recovered run has running batches, reattaching", "saved_state", snap.State)
		if err := c.transition(ctx, model.StateDispatching); err != nil {
			return nil, err
		}
		return c, nil
	}
	to := model.StateAborted
	if c.agg.IsComplete() {
		to = model.StateFinished
	}
	slog.InfoContext(ctx, "recovered run of unknown completion", "saved_state", snap.State, "state", to)
	if err := c.finish(ctx, to); err != nil {
		return nil, err
	}
	return c, nil
}

// RequestAbortOnDisk writes the abort sentinel of a run directory. A
// coordinator polling that directory picks it up on its next tick.
func RequestAbortOnDisk(run layout.RunPaths) error {
	return atomicfile.Touch(run.Abort())
}
