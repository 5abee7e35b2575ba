package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/backend"
	"github.com/iota-xfel/iota/internal/coordinator"
	"github.com/iota-xfel/iota/internal/input"
	"github.com/iota-xfel/iota/internal/layout"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/resultfile"
	"github.com/iota-xfel/iota/internal/store"
	"github.com/iota-xfel/iota/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend records submitted batches. Liveness follows the alive
// script, called with the 1-based number of the Alive call.
type fakeBackend struct {
	mx        sync.Mutex
	batches   [][]model.WorkItem
	calls     int
	aborts    int
	submitErr error
	alive     func(call int) bool
	onSubmit  func(batch []model.WorkItem)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Submit(_ context.Context, batch []model.WorkItem, _ int) (backend.Handle, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.submitErr != nil {
		return backend.Handle{}, fmt.Errorf("%w: %w", backend.ErrDispatch, f.submitErr)
	}
	f.batches = append(f.batches, slices.Clone(batch))
	seq := len(f.batches)
	if f.onSubmit != nil {
		f.onSubmit(batch)
	}
	return backend.Handle{Backend: "fake", ID: "job-" + strconv.Itoa(seq), Seq: seq, Items: len(batch)}, nil
}

func (f *fakeBackend) Alive(context.Context, backend.Handle) (bool, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls++
	if f.alive == nil {
		return false, nil
	}
	return f.alive(f.calls), nil
}

func (f *fakeBackend) RequestAbort(context.Context, backend.Handle) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.aborts++
	return nil
}

func (f *fakeBackend) batch(i int) []model.WorkItem {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.batches[i]
}

func (f *fakeBackend) submits() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.batches)
}

func alwaysAlive(int) bool { return true }

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
}

// source is an input source the test can grow.
type source struct {
	mx    sync.Mutex
	paths []string
}

func (s *source) Add(paths ...string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.paths = append(s.paths, paths...)
}

func (s *source) Source(context.Context) ([]string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Clone(s.paths), nil
}

func imagePaths(n int) []string {
	out := make([]string, n)
	for i := range n {
		out[i] = fmt.Sprintf("/data/run7/img_%05d.cbf", i+1)
	}
	return out
}

func writeResult(t *testing.T, run layout.RunPaths, item model.WorkItem, fail *model.FailureKind) {
	t.Helper()
	_, err := resultfile.Write(run.Objects, item, model.Result{Status: model.StatusFinal, Fail: fail})
	require.NoError(t, err)
}

func writeAll(t *testing.T, run layout.RunPaths) func([]model.WorkItem) {
	return func(batch []model.WorkItem) {
		for _, it := range batch {
			writeResult(t, run, it, nil)
		}
	}
}

type setup struct {
	run   layout.RunPaths
	be    *fakeBackend
	src   *source
	clock *clock
	cfg   model.Config
	c     *coordinator.Coordinator
}

func newSetup(t *testing.T, n int, tweak func(*model.Config)) *setup {
	t.Helper()
	run, err := layout.NewRun(t.TempDir())
	require.NoError(t, err)
	cfg := model.DefaultConfig(t.Context())
	cfg.Processing.Processors = 2
	if tweak != nil {
		tweak(&cfg)
	}
	s := &setup{
		run:   run,
		be:    &fakeBackend{},
		src:   &source{paths: imagePaths(n)},
		clock: newClock(),
		cfg:   cfg,
	}
	s.c = s.open(t)
	return s
}

func (s *setup) options() coordinator.Options {
	return coordinator.Options{
		Config:  s.cfg,
		Run:     s.run,
		Backend: s.be,
		Source:  s.src.Source,
		Now:     s.clock.Now,
	}
}

func (s *setup) open(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New(s.options())
	require.NoError(t, err)
	return c
}

func (s *setup) start(t *testing.T) []model.WorkItem {
	t.Helper()
	paths, err := s.src.Source(t.Context())
	require.NoError(t, err)
	items := input.Items(paths, 1)
	require.NoError(t, s.c.Start(t.Context(), items))
	return items
}

func (s *setup) tick(t *testing.T) model.RunState {
	t.Helper()
	require.NoError(t, s.c.Tick(t.Context()))
	return s.c.State()
}

func ordinals(items []model.WorkItem) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.Ordinal
	}
	return out
}

func TestStart(t *testing.T) {
	t.Parallel()
	s := newSetup(t, 3, nil)

	require.ErrorIs(t, s.c.Tick(t.Context()), coordinator.ErrNotStarted)
	require.ErrorIs(t, s.c.Start(t.Context(), nil), model.ErrNoInput)

	items := s.start(t)
	require.Equal(t, model.StateDispatching, s.c.State())
	require.Equal(t, items, s.be.batch(0))
	require.ErrorIs(t, s.c.Start(t.Context(), items), coordinator.ErrRunInProgress)

	listed, err := input.ReadList(s.run.InputList())
	require.NoError(t, err)
	require.Equal(t, imagePaths(3), listed)

	snap, err := store.LoadSnapshot(s.run.Snapshot())
	require.NoError(t, err)
	require.Equal(t, model.StateDispatching, snap.State)
	require.Equal(t, []int{1, 2, 3}, snap.Aggregate.Dispatched)
	require.Len(t, snap.Handles, 1)
}

func TestLocalBatch(t *testing.T) {
	t.Parallel()
	run, err := layout.NewRun(t.TempDir())
	require.NoError(t, err)
	cfg := model.DefaultConfig(t.Context())
	cfg.Processing.Processors = 4

	w := worker.Func(func(_ context.Context, item model.WorkItem) (model.Result, error) {
		return model.Result{Status: model.StatusFinal}, nil
	})
	local := backend.NewLocal(w, run)
	t.Cleanup(func() { require.NoError(t, local.Close()) })

	c, err := coordinator.New(coordinator.Options{Config: cfg, Run: run, Backend: local})
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context(), input.Items(imagePaths(10), 1)))
	local.Wait()

	require.NoError(t, c.Tick(t.Context()))
	require.Equal(t, model.StateFinished, c.State())
	agg := c.Aggregate()
	require.True(t, agg.IsComplete())
	require.Equal(t, 10, agg.Counters().Succeeded)
	require.Equal(t, "10 of 10 images processed, 10 successfully integrated", c.Progress().Line)
	require.NoDirExists(t, run.Tmp)

	snap, err := store.LoadSnapshot(run.Snapshot())
	require.NoError(t, err)
	require.Equal(t, model.StateFinished, snap.State)
	require.Len(t, snap.Aggregate.Results, 10)
}

func TestDo_Local(t *testing.T) {
	t.Parallel()
	run, err := layout.NewRun(t.TempDir())
	require.NoError(t, err)
	cfg := model.DefaultConfig(t.Context())
	cfg.Poll.Interval = "PT0.01S"

	w := worker.Func(func(_ context.Context, item model.WorkItem) (model.Result, error) {
		if item.Ordinal%2 == 0 {
			return model.Result{Status: model.StatusFinal, Fail: model.Fail(model.FailIndexing)}, nil
		}
		return model.Result{Status: model.StatusFinal}, nil
	})
	local := backend.NewLocal(w, run)
	t.Cleanup(func() { require.NoError(t, local.Close()) })

	c, err := coordinator.New(coordinator.Options{Config: cfg, Run: run, Backend: local})
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context(), input.Items(imagePaths(6), 1)))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Do(ctx))
	require.Equal(t, model.StateFinished, c.State())
	counters := c.Aggregate().Counters()
	require.Equal(t, 3, counters.Succeeded)
	require.Equal(t, 3, counters.FailedByKind[model.FailIndexing])
}

func TestDo_Detach(t *testing.T) {
	t.Parallel()
	s := newSetup(t, 2, func(cfg *model.Config) { cfg.Poll.Interval = "PT0.01S" })
	s.be.alive = alwaysAlive
	s.start(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, s.c.Do(ctx))
	require.Equal(t, model.StateDispatching, s.c.State())

	snap, err := store.LoadSnapshot(s.run.Snapshot())
	require.NoError(t, err)
	require.Equal(t, model.StateDispatching, snap.State)
}

func TestAbortThenResume(t *testing.T) {
	t.Parallel()
	s := newSetup(t, 5, nil)
	s.be.alive = alwaysAlive
	items := s.start(t)

	// harvested never decreases
	last := 0
	check := func() {
		h := s.c.Aggregate().Harvested()
		require.GreaterOrEqual(t, h, last)
		last = h
	}

	writeResult(t, s.run, items[1], nil)
	require.Equal(t, model.StateDispatching, s.tick(t))
	check()
	writeResult(t, s.run, items[0], nil)
	require.Equal(t, model.StateDispatching, s.tick(t))
	check()
	require.Equal(t, 2, last)

	require.NoError(t, atomicfile.Touch(s.run.Abort()))
	s.be.mx.Lock()
	s.be.alive = nil
	s.be.mx.Unlock()
	require.Equal(t, model.StateAborted, s.tick(t))
	check()
	require.Equal(t, 2, s.c.Aggregate().Harvested())
	require.Equal(t, 1, s.be.aborts)

	snap, err := store.LoadSnapshot(s.run.Snapshot())
	require.NoError(t, err)
	require.Equal(t, model.StateAborted, snap.State)
	require.Len(t, snap.Aggregate.Results, 2)

	// resume from the persisted run
	s.c, err = coordinator.Recover(t.Context(), s.options())
	require.NoError(t, err)
	require.Equal(t, model.StateAborted, s.c.State())

	require.NoError(t, s.c.Resume(t.Context()))
	require.Equal(t, model.StateResuming, s.c.State())
	require.NoFileExists(t, s.run.Abort())
	require.Equal(t, 2, s.be.submits())
	require.Equal(t, []int{3, 4, 5}, ordinals(s.be.batch(1)))
	require.Equal(t, items[2:], s.be.batch(1))
	require.Equal(t, 5, s.c.Aggregate().Len())

	for _, it := range items[2:] {
		writeResult(t, s.run, it, nil)
	}
	require.Equal(t, model.StateFinished, s.tick(t))
	require.Equal(t, 5, s.c.Aggregate().Counters().Succeeded)
}

func TestResume(t *testing.T) {
	t.Parallel()

	t.Run("failures count as attempted", func(t *testing.T) {
		t.Parallel()
		s := newSetup(t, 4, nil)
		s.be.alive = alwaysAlive
		items := s.start(t)
		writeResult(t, s.run, items[0], nil)
		writeResult(t, s.run, items[2], model.Fail(model.FailSpotfinding))
		s.c.RequestAbort()
		s.be.alive = nil
		require.Equal(t, model.StateAborted, s.tick(t))

		// a new image appeared meanwhile
		s.src.Add("/data/run7/img_00099.cbf")
		require.NoError(t, s.c.Resume(t.Context()))
		got := s.be.batch(1)
		require.Equal(t, []int{2, 4, 5}, ordinals(got))
		require.Equal(t, "/data/run7/img_00099.cbf", got[2].Payload.Source)
	})

	t.Run("empty remainder finishes", func(t *testing.T) {
		t.Parallel()
		s := newSetup(t, 3, nil)
		s.be.onSubmit = writeAll(t, s.run)
		s.start(t)
		require.Equal(t, model.StateFinished, s.tick(t))

		require.NoError(t, s.c.Resume(t.Context()))
		require.Equal(t, model.StateFinished, s.c.State())
		require.Equal(t, 1, s.be.submits())
	})

	t.Run("only from a terminal state", func(t *testing.T) {
		t.Parallel()
		s := newSetup(t, 3, nil)
		require.ErrorIs(t, s.c.Resume(t.Context()), coordinator.ErrNotStarted)
		s.be.alive = alwaysAlive
		s.start(t)
		require.ErrorIs(t, s.c.Resume(t.Context()), coordinator.ErrRunInProgress)
	})
}

func TestResume_FromOtherDirectory(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for i := range 3 {
		p := filepath.Join(dir, "imgs", fmt.Sprintf("img_%05d.cbf", i+1))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	t.Chdir(dir)

	s := newSetup(t, 0, func(cfg *model.Config) {
		cfg.Input.Paths = []string{"imgs"}
	})
	s.be.alive = alwaysAlive
	opts := s.options()
	opts.Source = coordinator.Paths(s.cfg.Input.Paths)
	c, err := coordinator.New(opts)
	require.NoError(t, err)

	paths, err := opts.Source(t.Context())
	require.NoError(t, err)
	items := input.Items(paths, 1)
	require.NoError(t, c.Start(t.Context(), items))
	writeResult(t, s.run, items[0], nil)
	c.RequestAbort()
	s.be.mx.Lock()
	s.be.alive = nil
	s.be.mx.Unlock()
	require.NoError(t, c.Tick(t.Context()))
	require.Equal(t, model.StateAborted, c.State())

	snap, err := store.LoadSnapshot(s.run.Snapshot())
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "imgs")}, snap.Config.Input.Paths)

	// resumed from elsewhere, with the source built from the saved config
	t.Chdir(t.TempDir())
	opts.Source = coordinator.Paths(snap.Config.Input.Paths)
	c, err = coordinator.Recover(t.Context(), opts)
	require.NoError(t, err)
	require.NoError(t, c.Resume(t.Context()))
	require.Equal(t, model.StateResuming, c.State())
	require.Equal(t, []int{2, 3}, ordinals(s.be.batch(1)))
	require.Equal(t, filepath.Join(dir, "imgs", "img_00002.cbf"), s.be.batch(1)[0].Payload.Source)
}

func TestAbortConfirmationGating(t *testing.T) {
	t.Parallel()
	for _, k := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("running for %d polls", k), func(t *testing.T) {
			t.Parallel()
			s := newSetup(t, 5, nil)
			s.be.alive = func(call int) bool { return call <= k }
			s.start(t)
			s.c.RequestAbort()

			for poll := 1; poll <= k; poll++ {
				require.Equal(t, model.StateDispatching, s.tick(t), "poll %d", poll)
				require.FileExists(t, s.run.Abort())
			}
			require.Equal(t, model.StateAborted, s.tick(t))
			require.Equal(t, 1, s.be.aborts)
		})
	}
}

func TestAbort(t *testing.T) {
	t.Parallel()

	t.Run("confirmed by sentinel", func(t *testing.T) {
		t.Parallel()
		s := newSetup(t, 3, nil)
		s.be.alive = alwaysAlive
		s.start(t)
		s.c.RequestAbort()
		require.Equal(t, model.StateDispatching, s.tick(t))
		require.NoError(t, atomicfile.Touch(s.run.Aborted()))
		require.Equal(t, model.StateAborted, s.tick(t))
		require.Empty(t, s.c.Warning())
	})

	t.Run("warning then force", func(t *testing.T) {
		t.Parallel()
		s := newSetup(t, 3, func(cfg *model.Config) { cfg.Poll.AbortConfirmPolls = 2 })
		s.be.alive = alwaysAlive
		s.start(t)
		require.ErrorIs(t, s.c.ForceAbort(), coordinator.ErrNotAborting)

		s.c.RequestAbort()
		require.Equal(t, model.StateDispatching, s.tick(t))
		require.Empty(t, s.c.Warning())
		require.Equal(t, model.StateDispatching, s.tick(t))
		require.Contains(t, s.c.Warning(), "abort not confirmed after 2 polls")
		require.Equal(t, model.StateDispatching, s.tick(t))

		require.NoError(t, s.c.ForceAbort())
		require.Equal(t, model.StateAborted, s.tick(t))
		require.Contains(t, s.c.Warning(), "without confirmation")
	})

	t.Run("while watching", func(t *testing.T) {
		t.Parallel()
		s := newSetup(t, 2, func(cfg *model.Config) { cfg.Monitor.Enabled = true })
		s.be.onSubmit = writeAll(t, s.run)
		s.start(t)
		require.Equal(t, model.StateWatching, s.tick(t))
		s.c.RequestAbort()
		require.Equal(t, model.StateAborted, s.tick(t))
	})
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	type then struct {
		advance time.Duration
		state   model.RunState
	}
	var testCases = []struct {
		scenario string
		timeout  string
		then     []then
	}{
		{
			scenario: "finishes once elapsed reaches the timeout",
			timeout:  "PT10S",
			then: []then{
				{0, model.StateWatching}, // first empty poll
				{4 * time.Second, model.StateWatching},
				{5*time.Second + 999*time.Millisecond, model.StateWatching},
				{time.Millisecond, model.StateFinished},
			},
		},
		{
			scenario: "first poll past the timeout",
			timeout:  "PT10S",
			then: []then{
				{0, model.StateWatching},
				{30 * time.Second, model.StateFinished},
			},
		},
		{
			scenario: "no timeout waits forever",
			timeout:  "",
			then: []then{
				{0, model.StateWatching},
				{time.Hour, model.StateWatching},
				{24 * time.Hour, model.StateWatching},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			s := newSetup(t, 3, func(cfg *model.Config) {
				cfg.Monitor.Enabled = true
				cfg.Monitor.Timeout = tc.timeout
			})
			s.be.onSubmit = writeAll(t, s.run)
			s.start(t)
			require.Equal(t, model.StateWatching, s.tick(t))

			for i, step := range tc.then {
				s.clock.Advance(step.advance)
				require.Equal(t, step.state, s.tick(t), "step %d", i)
			}
		})
	}
}

func TestMonitorExtends(t *testing.T) {
	t.Parallel()
	s := newSetup(t, 3, func(cfg *model.Config) {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Timeout = "PT10S"
	})
	s.be.onSubmit = writeAll(t, s.run)
	items := s.start(t)
	require.Equal(t, model.StateWatching, s.tick(t))
	require.Equal(t, model.StateWatching, s.tick(t))

	s.clock.Advance(8 * time.Second)
	s.src.Add("/data/run7/img_00004.cbf")
	require.Equal(t, model.StateDispatching, s.tick(t))
	ext := s.be.batch(1)
	require.Len(t, ext, 1)
	require.Equal(t, 4, ext[0].Ordinal)
	require.Equal(t, items, s.c.Aggregate().Items()[:3])
	require.Empty(t, s.c.Aggregate().Pending())

	listed, err := input.ReadList(s.run.InputList())
	require.NoError(t, err)
	require.Len(t, listed, 4)

	require.Equal(t, model.StateWatching, s.tick(t))
	require.Equal(t, model.StateWatching, s.tick(t))
	// the timer restarted with the new items
	s.clock.Advance(8 * time.Second)
	require.Equal(t, model.StateWatching, s.tick(t))
	s.clock.Advance(2 * time.Second)
	require.Equal(t, model.StateFinished, s.tick(t))
	require.Equal(t, 4, s.c.Aggregate().Counters().Succeeded)
}

func TestStall(t *testing.T) {
	t.Parallel()
	s := newSetup(t, 3, func(cfg *model.Config) { cfg.Poll.StallPolls = 2 })
	items := s.start(t)
	writeResult(t, s.run, items[0], nil)

	// a new result resets the count
	require.Equal(t, model.StateDispatching, s.tick(t))
	require.Equal(t, model.StateDispatching, s.tick(t))
	require.Equal(t, model.StateFinished, s.tick(t))
	require.Equal(t, "backend stopped with 2 items without result", s.c.Warning())
	require.False(t, s.c.Aggregate().IsComplete())
}

func TestDispatchFailure(t *testing.T) {
	t.Parallel()
	s := newSetup(t, 2, nil)
	s.be.submitErr = errors.New("bsub: queue closed")

	err := s.c.Start(t.Context(), input.Items(imagePaths(2), 1))
	require.ErrorIs(t, err, backend.ErrDispatch)
	require.Equal(t, model.StateFailed, s.c.State())
	require.ErrorIs(t, s.c.Err(), backend.ErrDispatch)
	require.ErrorIs(t, s.c.Do(t.Context()), backend.ErrDispatch)

	snap, lerr := store.LoadSnapshot(s.run.Snapshot())
	require.NoError(t, lerr)
	require.Equal(t, model.StateFailed, snap.State)
	require.Contains(t, snap.Warning, "queue closed")

	s.be.mx.Lock()
	s.be.submitErr = nil
	s.be.mx.Unlock()
	require.NoError(t, s.c.Resume(t.Context()))
	require.Equal(t, model.StateResuming, s.c.State())
	require.Equal(t, []int{1, 2}, ordinals(s.be.batch(0)))
	require.Nil(t, s.c.Err())
}

func TestRecover(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		written  int
		running  bool
		then     model.RunState
	}{
		{"complete run", 3, false, model.StateFinished},
		{"complete run with a batch left", 3, true, model.StateFinished},
		{"incomplete run", 1, false, model.StateAborted},
		{"incomplete run still running", 1, true, model.StateDispatching},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			s := newSetup(t, 3, nil)
			s.be.alive = alwaysAlive
			items := s.start(t)
			// the process died here, results arrived afterwards
			for _, it := range items[:tc.written] {
				writeResult(t, s.run, it, nil)
			}
			if !tc.running {
				s.be.mx.Lock()
				s.be.alive = nil
				s.be.mx.Unlock()
			}

			c, err := coordinator.Recover(t.Context(), s.options())
			require.NoError(t, err)
			require.Equal(t, tc.then, c.State())
			require.Equal(t, s.c.RunID(), c.RunID())
			require.Equal(t, tc.written, c.Aggregate().Harvested())

			snap, err := store.LoadSnapshot(s.run.Snapshot())
			require.NoError(t, err)
			require.Equal(t, tc.then, snap.State)
		})
	}

	t.Run("reattached run is polled, not redispatched", func(t *testing.T) {
		t.Parallel()
		s := newSetup(t, 3, nil)
		s.be.alive = alwaysAlive
		items := s.start(t)
		writeResult(t, s.run, items[0], nil)

		c, err := coordinator.Recover(t.Context(), s.options())
		require.NoError(t, err)
		require.Equal(t, model.StateDispatching, c.State())
		require.ErrorIs(t, c.Resume(t.Context()), coordinator.ErrRunInProgress)
		require.Equal(t, 1, s.be.submits())

		for _, it := range items[1:] {
			writeResult(t, s.run, it, nil)
		}
		require.NoError(t, c.Tick(t.Context()))
		require.Equal(t, model.StateFinished, c.State())
		require.Equal(t, 1, s.be.submits())
	})

	t.Run("no snapshot", func(t *testing.T) {
		t.Parallel()
		run, err := layout.NewRun(t.TempDir())
		require.NoError(t, err)
		_, err = coordinator.Recover(t.Context(), coordinator.Options{Run: run, Backend: &fakeBackend{}})
		require.ErrorIs(t, err, store.ErrNoSnapshot)
	})
}

func TestIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	db, err := store.InitDB(t.Context(), filepath.Join(dir, store.IndexFile))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	s := newSetup(t, 2, nil)
	s.be.onSubmit = writeAll(t, s.run)
	opts := s.options()
	opts.DB = db
	s.c, err = coordinator.New(opts)
	require.NoError(t, err)
	s.start(t)
	require.Equal(t, model.StateFinished, s.tick(t))

	r, err := store.Get(t.Context(), db, s.c.RunID())
	require.NoError(t, err)
	require.Equal(t, model.StateFinished, r.State)
	require.Equal(t, s.run.Root, r.Dir)
	require.Equal(t, 2, r.Items)
	require.Equal(t, 2, r.Succeeded)
}

func TestProgress(t *testing.T) {
	t.Parallel()
	s := newSetup(t, 4, func(cfg *model.Config) { cfg.Processing.ConvertOnly = true })
	s.be.alive = alwaysAlive
	items := s.start(t)
	_, err := resultfile.Write(s.run.Objects, items[0], model.Result{Status: model.StatusImported})
	require.NoError(t, err)
	_, err = resultfile.Write(s.run.Objects, items[1], model.Result{Status: model.StatusImported, Fail: model.Fail(model.FailTriage)})
	require.NoError(t, err)
	require.Equal(t, model.StateDispatching, s.tick(t))

	p := s.c.Progress()
	require.Equal(t, s.c.RunID(), p.RunID)
	require.Equal(t, model.StateDispatching, p.State)
	require.Equal(t, 4, p.Items)
	require.Equal(t, "2 of 4 images imported, 1 have diffraction", p.Line)
	require.Equal(t, s.clock.Now(), p.Updated)
}
