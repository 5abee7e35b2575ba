package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/iota-xfel/iota/internal/atomicfile"
	"github.com/iota-xfel/iota/internal/layout"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/runner"
	"github.com/iota-xfel/iota/internal/worker"
)

// Vars are the fields available to scheduler command templates. An argument
// which renders to an empty string is dropped, which lets a flag and its
// value disappear together:
//
//	{{if .Queue}}-q{{end}} {{.Queue}}
type Vars struct {
	Exe     string // path of the iota binary
	Log     string
	Queue   string
	Workers int
	JobName string
	Batch   string
	Config  string
	Kind    string
	Abort   string
	RunDir  string
	ID      string // job id, known for query and kill only
}

// Scheduler is a set of argv templates for one batch system.
type Scheduler struct {
	Name   string
	Submit []string
	Query  []string // empty => the finish sentinel decides liveness
	Kill   []string
	// ParseID extracts the job id from the submit output, nil keeps the
	// job name.
	ParseID func(stdout string) string
}

var driverArgs = []string{
	"_process",
	"--batch", "{{.Batch}}",
	"--config", "{{.Config}}",
	"--type", "{{.Kind}}",
	"--abort", "{{.Abort}}",
}

var (
	LSF = Scheduler{
		Name: model.MethodLSF,
		Submit: append([]string{
			"bsub", "-o", "{{.Log}}",
			"{{if .Queue}}-q{{end}}", "{{.Queue}}",
			"-n", "{{.Workers}}",
			"-J", "{{.JobName}}",
			"{{.Exe}}",
		}, driverArgs...),
		Query: []string{"bjobs", "-J", "{{.ID}}"},
		Kill:  []string{"bkill", "-J", "{{.ID}}"},
	}
	// Torque has no usable query, the driver's finish sentinel is checked
	// instead.
	Torque = Scheduler{
		Name: model.MethodTorque,
		Submit: []string{
			"qsub", "-e", "{{.Log}}", "-o", "{{.Log}}",
			"-d", "{{.RunDir}}",
			"-N", "{{.JobName}}",
			"{{if .Queue}}-q{{end}}", "{{.Queue}}",
			"-l", "nodes=1:ppn={{.Workers}}",
			"-F", strings.Join(driverArgs, " "),
			"{{.Exe}}",
		},
		Kill:    []string{"qdel", "{{.ID}}"},
		ParseID: firstField,
	}
	Slurm = Scheduler{
		Name: model.MethodSlurm,
		Submit: []string{
			"sbatch", "--parsable",
			"-o", "{{.Log}}",
			"{{if .Queue}}-p{{end}}", "{{.Queue}}",
			"-c", "{{.Workers}}",
			"-J", "{{.JobName}}",
			"--wrap", "{{.Exe}} " + strings.Join(driverArgs, " "),
		},
		Query: []string{"squeue", "-h", "-j", "{{.ID}}"},
		Kill:  []string{"scancel", "{{.ID}}"},
		ParseID: func(stdout string) string {
			id, _, _ := strings.Cut(firstField(stdout), ";")
			return id
		},
	}
)

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// Queue submits batches to an external scheduler. The scheduler runs the
// hidden "iota _process" driver out of process.
type Queue struct {
	sched   Scheduler
	run     layout.RunPaths
	cfg     model.Config
	exe     string
	timeout time.Duration
	base    string // job name prefix

	mx  sync.Mutex
	seq int
}

// NewQueue picks the scheduler preset for the dispatch method. Templates
// from the config replace the preset ones.
func NewQueue(cfg model.Config, run layout.RunPaths) (*Queue, error) {
	var sched Scheduler
	switch cfg.Dispatch.Method {
	case model.MethodLSF:
		sched = LSF
	case model.MethodTorque:
		sched = Torque
	case model.MethodSlurm:
		sched = Slurm
	case model.MethodCustom:
		sched = Scheduler{Name: model.MethodCustom, ParseID: firstField}
	default:
		return nil, fmt.Errorf("no scheduler for method %q", cfg.Dispatch.Method)
	}
	if len(cfg.Dispatch.Submit) > 0 {
		sched.Submit = cfg.Dispatch.Submit
	}
	if len(cfg.Dispatch.Query) > 0 {
		sched.Query = cfg.Dispatch.Query
	}
	if len(cfg.Dispatch.Kill) > 0 {
		sched.Kill = cfg.Dispatch.Kill
	}
	if len(sched.Submit) == 0 {
		return nil, errors.New("scheduler has no submit command")
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating iota binary: %w", err)
	}
	return &Queue{
		sched:   sched,
		run:     run,
		cfg:     cfg,
		exe:     exe,
		timeout: cfg.Dispatch.CommandTimeoutDuration(),
		base:    JobName(),
	}, nil
}

// WithExecutable replaces the path of the driver binary.
func (q *Queue) WithExecutable(exe string) *Queue {
	q.exe = exe
	return q
}

func (q *Queue) Name() string { return q.sched.Name }

// JobName is J_<user initial><pid>.
func JobName() string {
	initial := "x"
	if u, err := user.Current(); err == nil && u.Username != "" {
		initial = u.Username[:1]
	}
	return "J_" + initial + strconv.Itoa(os.Getpid())
}

func (q *Queue) Submit(ctx context.Context, batch []model.WorkItem, concurrency int) (Handle, error) {
	q.mx.Lock()
	q.seq++
	seq := q.seq
	q.mx.Unlock()

	jobName := q.base
	if seq > 1 {
		jobName = fmt.Sprintf("%s_%d", q.base, seq)
	}
	kind := string(model.PayloadImage)
	if len(batch) > 0 {
		kind = string(batch[0].Payload.Kind)
	}
	vars := Vars{
		Exe:     q.exe,
		Log:     q.run.SchedLog(),
		Queue:   q.cfg.Dispatch.Queue,
		Workers: concurrency,
		JobName: jobName,
		Batch:   q.run.Batch(seq),
		Config:  q.run.Config(),
		Kind:    kind,
		Abort:   q.run.Abort(),
		RunDir:  q.run.Root,
	}

	if err := worker.SaveBatch(vars.Batch, worker.Batch{
		RunDir:      q.run.Root,
		Concurrency: concurrency,
		Kind:        kind,
		Items:       batch,
	}); err != nil {
		return Handle{}, dispatchErr("serializing batch: %v", err)
	}
	if err := atomicfile.WriteJSON(vars.Config, q.cfg); err != nil {
		return Handle{}, dispatchErr("serializing config: %v", err)
	}
	// a previous batch of this run may have left it behind
	if err := os.Remove(q.run.Finish()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Handle{}, dispatchErr("removing finish marker: %v", err)
	}

	argv, err := Render(q.sched.Submit, vars)
	if err != nil {
		return Handle{}, dispatchErr("%v", err)
	}
	slog.InfoContext(ctx, "submitting batch", "scheduler", q.sched.Name, "job_name", jobName, "items", len(batch))
	res, err := q.exec(ctx, argv)
	if err != nil {
		return Handle{}, dispatchErr("%s: %v", argv[0], err)
	}

	// LSF addresses jobs by name, so it has no ParseID
	id := jobName
	if q.sched.ParseID != nil {
		if parsed := q.sched.ParseID(res.Stdout.String()); parsed != "" {
			id = parsed
		}
	}
	return Handle{
		Backend:   q.sched.Name,
		ID:        id,
		JobName:   jobName,
		Seq:       seq,
		Items:     len(batch),
		Submitted: time.Now().UTC(),
	}, nil
}

// Alive asks the scheduler, or checks the sentinels when it can't be asked.
// The abort confirmation of the driver always counts as not alive.
func (q *Queue) Alive(ctx context.Context, h Handle) (bool, error) {
	if q.run.AbortConfirmed() {
		return false, nil
	}
	if len(q.sched.Query) == 0 {
		return !q.run.Finished(), nil
	}
	argv, err := Render(q.sched.Query, q.handleVars(h))
	if err != nil {
		return true, err
	}
	res, err := q.exec(ctx, argv)
	var startErr *startError
	if errors.As(err, &startErr) {
		return true, err
	}
	// a finished job is reported either with empty output or with an error
	// such as "Job <J_x1> is not found"
	alive := err == nil && strings.TrimSpace(res.Stdout.String()) != ""
	return alive, nil
}

func (q *Queue) RequestAbort(ctx context.Context, h Handle) error {
	if len(q.sched.Kill) == 0 {
		return nil
	}
	argv, err := Render(q.sched.Kill, q.handleVars(h))
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "killing batch", "scheduler", q.sched.Name, "id", h.ID)
	_, err = q.exec(ctx, argv)
	return err
}

func (q *Queue) handleVars(h Handle) Vars {
	return Vars{
		Exe:     q.exe,
		Log:     q.run.SchedLog(),
		Queue:   q.cfg.Dispatch.Queue,
		JobName: h.JobName,
		Abort:   q.run.Abort(),
		RunDir:  q.run.Root,
		ID:      h.ID,
	}
}

type startError struct{ err error }

func (e *startError) Error() string { return e.err.Error() }
func (e *startError) Unwrap() error { return e.err }

func (q *Queue) exec(ctx context.Context, argv []string) (runner.Result, error) {
	r := runner.New()
	if err := r.Start(ctx, runner.Command{
		Path:    argv[0],
		Args:    argv[1:],
		Env:     os.Environ(),
		Dir:     q.run.Root,
		Timeout: q.timeout,
	}, nil); err != nil {
		return runner.Result{}, &startError{err}
	}
	res := <-r.ResultsChan()
	return res, res.Failed()
}

// Render expands argv templates. Elements rendering to an empty string are
// dropped.
func Render(templates []string, vars Vars) ([]string, error) {
	out := make([]string, 0, len(templates))
	for i, src := range templates {
		tpl, err := template.New(strconv.Itoa(i)).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parsing template %q: %w", src, err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, vars); err != nil {
			return nil, fmt.Errorf("rendering template %q: %w", src, err)
		}
		if s := buf.String(); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("command renders empty")
	}
	return out, nil
}
