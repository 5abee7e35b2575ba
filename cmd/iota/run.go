package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iota-xfel/iota/internal/aggregate"
	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/backend"
	"github.com/iota-xfel/iota/internal/coordinator"
	"github.com/iota-xfel/iota/internal/harvest"
	"github.com/iota-xfel/iota/internal/input"
	"github.com/iota-xfel/iota/internal/layout"
	"github.com/iota-xfel/iota/internal/log"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/notify"
	"github.com/iota-xfel/iota/internal/status"
	"github.com/iota-xfel/iota/internal/store"
	"github.com/iota-xfel/iota/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run [paths...]",
	Short: "run starts a new numbered run over the input paths",
	RunE:  doRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <rundir>",
	Short: "resume dispatches the items of a run which were never attempted",
	Args:  cobra.ExactArgs(1),
	RunE:  doResume,
}

var abortCmd = &cobra.Command{
	Use:   "abort <rundir>",
	Short: "abort asks the coordinator of a run to stop it",
	Args:  cobra.ExactArgs(1),
	RunE:  doAbort,
}

var statusCmd = &cobra.Command{
	Use:   "status <rundir>",
	Short: "status prints the progress of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  doStatus,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "runs lists the runs of the output directory",
	RunE:  doRuns,
}

var processCmd = &cobra.Command{
	Use:               "_process",
	Short:             "internal command",
	RunE:              doProcess,
	PersistentPreRunE: initProcess,
	Hidden:            true,
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

func cmdContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("iota",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "run")
	cfg := config
	if len(args) > 0 {
		cfg.Input.Paths = args
	}
	// the snapshot must not depend on the directory iota is resumed from
	paths, err := input.Abs(cfg.Input.Paths)
	if err != nil {
		return err
	}
	cfg.Input.Paths = paths
	if monitor, _ := cmd.Flags().GetBool("monitor"); monitor {
		cfg.Monitor.Enabled = true
	}

	var items []model.WorkItem
	var source coordinator.Source
	if from, _ := cmd.Flags().GetString("from"); from != "" {
		items, err = objectItems(from)
		if err != nil {
			return err
		}
		cfg.Processing.Type = string(model.PayloadObject)
	} else {
		paths, err := input.Enumerate(ctx, cfg.Input.Paths)
		if err != nil {
			return err
		}
		paths = input.Sample(paths, cfg.Input.RandomSample, nil)
		items = input.Items(paths, 1)
		if cfg.Input.RandomSample == 0 {
			source = coordinator.Paths(cfg.Input.Paths)
		}
	}
	if len(items) == 0 {
		return model.ErrNoInput
	}

	run, err := layout.NewRun(cfg.Output)
	if err != nil {
		return err
	}
	restore, err := withRunLog(ctx, run.Log())
	if err != nil {
		return err
	}
	defer restore()

	s, err := newSession(ctx, cfg, run)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := coordinator.New(s.options(source, ""))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s in %s\n", c.RunID(), run.Root)
	if err := c.Start(ctx, items); err != nil {
		return err
	}
	return s.do(ctx, c)
}

// objectItems turns the successful results of a finished run into object
// items.
func objectItems(dir string) ([]model.WorkItem, error) {
	prev, err := layout.Open(dir)
	if err != nil {
		return nil, err
	}
	snap, err := store.LoadSnapshot(prev.Snapshot())
	if err != nil {
		return nil, err
	}
	return input.FromResults(aggregate.Restore(snap.Aggregate).Results()), nil
}

func doResume(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "resume")
	run, err := layout.Open(args[0])
	if err != nil {
		return err
	}
	snap, err := store.LoadSnapshot(run.Snapshot())
	if err != nil {
		return err
	}
	cfg := snap.Config
	if err := run.Ensure(); err != nil {
		return err
	}
	restore, err := withRunLog(ctx, run.Log())
	if err != nil {
		return err
	}
	defer restore()

	s, err := newSession(ctx, cfg, run)
	if err != nil {
		return err
	}
	defer s.Close()

	var source coordinator.Source
	if cfg.Processing.Type != string(model.PayloadObject) && cfg.Input.RandomSample == 0 {
		source = coordinator.Paths(cfg.Input.Paths)
	}
	c, err := coordinator.Recover(ctx, s.options(source, snap.RunID))
	if err != nil {
		return err
	}
	if c.State().Terminal() {
		if err := c.Resume(ctx); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s still has running batches, watching them\n", c.RunID())
	}
	return s.do(ctx, c)
}

func doAbort(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "abort")
	run, err := layout.Open(args[0])
	if err != nil {
		return err
	}
	if err := coordinator.RequestAbortOnDisk(run); err != nil {
		return err
	}
	slog.InfoContext(ctx, "abort requested", "run", run.Root)

	if kill, _ := cmd.Flags().GetBool("kill"); !kill {
		return nil
	}
	snap, err := store.LoadSnapshot(run.Snapshot())
	if err != nil {
		return err
	}
	be, err := backend.New(snap.Config, run, worker.Import{})
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range snap.Handles {
		if err := be.RequestAbort(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// doStatus reads a run without taking it over: the snapshot plus results
// harvested since it was saved.
func doStatus(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "status")
	run, err := layout.Open(args[0])
	if err != nil {
		return err
	}
	snap, err := store.LoadSnapshot(run.Snapshot())
	if err != nil {
		return err
	}
	agg := aggregate.Restore(snap.Aggregate)
	results, err := harvest.New(run.Objects).Scan(ctx, agg.Known())
	if err != nil {
		slog.WarnContext(ctx, "harvesting results", "error", err)
	}
	agg.Fold(results...)

	p := notify.Progress{
		RunID:    snap.RunID,
		RunDir:   run.Root,
		State:    snap.State,
		Warning:  snap.Warning,
		Line:     agg.Line(snap.Config.Processing.ConvertOnly),
		Items:    agg.Len(),
		Counters: agg.Counters(),
		Summary:  agg.Summary(),
		Updated:  snap.Saved,
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	return printProgress(out, p, run.AbortRequested())
}

func printProgress(out io.Writer, p notify.Progress, abortRequested bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run:\t%s\n", p.RunDir)
	fmt.Fprintf(tw, "state:\t%s\n", p.State)
	if abortRequested && !p.State.Terminal() {
		fmt.Fprintf(tw, "abort:\trequested\n")
	}
	if p.Warning != "" {
		fmt.Fprintf(tw, "warning:\t%s\n", p.Warning)
	}
	fmt.Fprintf(tw, "progress:\t%s\n", p.Line)
	for _, c := range p.Summary {
		fmt.Fprintf(tw, "  %s\t%d\n", c.Name, c.Count)
	}
	return tw.Flush()
}

func doRuns(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "runs")
	db, err := store.InitDB(ctx, filepath.Join(config.Output, store.IndexFile))
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	runs, err := store.List(ctx, db)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NO\tSTATE\tITEMS\tHARVESTED\tSUCCEEDED\tUPDATED\tDIR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%03d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.Number, r.State, r.Items, r.Harvested, r.Succeeded,
			r.Updated.Local().Format(time.DateTime), r.Dir)
	}
	return tw.Flush()
}

// initProcess reads the config the coordinator serialized for the batch,
// the user's config file does not apply to a dispatched batch.
func initProcess(cmd *cobra.Command, _ []string) error {
	configPath = flagConfigFilePath
	if configPath == "" {
		return errors.New("--config is required")
	}
	if err := atomicfile.ReadJSON(configPath, &config); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(log.New(log.Writer(config.Service.Log), config.Service.Verbose))
	return nil
}

// doProcess is the driver an external scheduler runs for one batch.
func doProcess(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "_process")
	path, _ := cmd.Flags().GetString("batch")
	batch, err := worker.LoadBatch(path)
	if err != nil {
		return err
	}
	run := layout.BuildRunPaths(batch.RunDir)
	if abort, _ := cmd.Flags().GetString("abort"); abort != "" && abort != run.Abort() {
		slog.WarnContext(ctx, "abort sentinel differs from the run layout", "flag", abort, "run", run.Abort())
	}
	if kind, _ := cmd.Flags().GetString("type"); kind != "" && kind != batch.Kind {
		return fmt.Errorf("batch holds %q items, not %q", batch.Kind, kind)
	}

	w, err := worker.New(config.Processing)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := worker.NewDriver(w, run, batch.Concurrency).Run(ctx, batch.Items)
	slog.InfoContext(ctx, "batch processed", "written", stats.Written, "errors", stats.Errors)
	if errors.Is(err, worker.ErrAborted) {
		return nil
	}
	return err
}

// doWorker consumes the Redis queue of the configured dispatch.
func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "_worker")
	if config.Dispatch.Redis == nil {
		return errors.New("dispatch.redis is not configured")
	}
	w, err := worker.New(config.Processing)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return backend.Serve(ctx, backend.RedisOpt(*config.Dispatch.Redis), backend.QueueName(config.Dispatch), config.Processing.Processors, w)
}

// session holds what a coordinator needs besides its run state.
type session struct {
	cfg       model.Config
	run       layout.RunPaths
	backend   backend.Backend
	db        *sql.DB
	notifiers notify.Multi
	closers   []io.Closer
}

func newSession(ctx context.Context, cfg model.Config, run layout.RunPaths) (*session, error) {
	s := &session{cfg: cfg, run: run, notifiers: notify.Multi{&notify.Log{}}}
	w, err := worker.New(cfg.Processing)
	if err != nil {
		return nil, err
	}
	s.backend, err = backend.New(cfg, run, w)
	if err != nil {
		return nil, err
	}
	if c, ok := s.backend.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	db, err := store.InitDB(ctx, filepath.Join(cfg.Output, store.IndexFile))
	if err != nil {
		// the index is a convenience, the run directory is the record
		slog.WarnContext(ctx, "run index not available", "error", err)
	} else {
		s.db = db
		s.closers = append(s.closers, db)
	}

	if addr := cfg.Service.ProgressRedis; addr != "" {
		r := notify.NewRedis(addr)
		s.notifiers = append(s.notifiers, r)
		s.closers = append(s.closers, r)
	}
	return s, nil
}

func (s *session) options(source coordinator.Source, runID string) coordinator.Options {
	return coordinator.Options{
		Config:   s.cfg,
		Run:      s.run,
		Backend:  s.backend,
		Source:   source,
		Notifier: s.notifiers,
		RunID:    runID,
		DB:       s.db,
	}
}

// do polls the run to its end. The first interrupt requests an abort, the
// second detaches from the run.
func (s *session) do(ctx context.Context, c *coordinator.Coordinator) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-sigs:
			slog.WarnContext(gctx, "interrupted, aborting the run, interrupt again to detach")
			c.RequestAbort()
		case <-gctx.Done():
			return nil
		}
		select {
		case <-sigs:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if addr := s.cfg.Service.Listen; addr != "" {
		g.Go(func() error {
			return status.New(c).Listen(gctx, addr)
		})
	}
	g.Go(func() error {
		defer cancel()
		return c.Do(gctx)
	})
	err := g.Wait()

	p := c.Progress()
	slog.InfoContext(ctx, "run "+string(p.State), "line", p.Line, "run", s.run.Root)
	if p.Warning != "" {
		slog.WarnContext(ctx, p.Warning)
	}
	return err
}

func (s *session) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			slog.Warn("closing", "error", err)
		}
	}
}
