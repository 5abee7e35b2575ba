// Package worker runs work items and writes their result objects.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/runner"
)

// Worker processes a single item. Scientific failures are reported through
// Result.Fail, the error is reserved for items which could not be processed
// at all; those get no result object.
type Worker interface {
	Process(ctx context.Context, item model.WorkItem) (model.Result, error)
}

type Func func(ctx context.Context, item model.WorkItem) (model.Result, error)

func (f Func) Process(ctx context.Context, item model.WorkItem) (model.Result, error) {
	return f(ctx, item)
}

// Import is the built-in worker. It only checks that an image can be read
// and reports it as imported, or as failed triage when it is empty or
// unreadable. Object items have been imported before and pass through.
type Import struct{}

func (Import) Process(_ context.Context, item model.WorkItem) (model.Result, error) {
	res := model.Result{Status: model.StatusImported, SourcePath: item.Payload.Source}
	if item.Payload.Kind == model.PayloadObject {
		return res, nil
	}
	f, err := os.Open(item.Payload.Path)
	if err != nil {
		res.Fail = model.Fail(model.FailTriage)
		return res, nil
	}
	defer f.Close()
	n, err := io.CopyN(io.Discard, f, 1)
	if err != nil || n == 0 {
		res.Fail = model.Fail(model.FailTriage)
	}
	return res, nil
}

// Command runs an external program per item. The item is passed as JSON on
// stdin and in IOTA_* environment variables, the program prints the result
// object on stdout.
type Command struct {
	path    string
	args    []string
	env     []string
	timeout time.Duration
}

func NewCommand(cfg model.Command) (Command, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return Command{}, fmt.Errorf("worker timeout: %w", err)
	}
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return Command{
		path:    cfg.Path,
		args:    cfg.Args,
		env:     env,
		timeout: timeout,
	}, nil
}

func (c Command) Process(ctx context.Context, item model.WorkItem) (model.Result, error) {
	stdin, err := json.Marshal(item)
	if err != nil {
		return model.Result{}, err
	}
	env := append([]string(nil), c.env...)
	env = append(env,
		"IOTA_ORDINAL="+strconv.Itoa(item.Ordinal),
		"IOTA_TOTAL="+strconv.Itoa(item.Total),
		"IOTA_KIND="+string(item.Payload.Kind),
		"IOTA_PATH="+item.Payload.Path,
		"IOTA_SOURCE="+item.Payload.Source,
	)

	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "worker stderr", "line", line)
	}
	r := runner.New()
	if err := r.Start(ctx, runner.Command{
		Path:    c.path,
		Args:    c.args,
		Env:     env,
		Stdin:   stdin,
		Timeout: c.timeout,
	}, stderr); err != nil {
		return model.Result{}, fmt.Errorf("starting worker: %w", err)
	}
	res := <-r.ResultsChan()
	if err := res.Failed(); err != nil {
		return model.Result{}, fmt.Errorf("worker %s: %w", c.path, err)
	}
	if res.Stdout.Len() == 0 {
		return model.Result{}, errors.New("worker printed no result")
	}
	var out model.Result
	if err := json.Unmarshal(res.Stdout.Bytes(), &out); err != nil {
		return model.Result{}, fmt.Errorf("decoding worker output: %w", err)
	}
	return out, nil
}

// New picks the worker for a processing config.
func New(cfg model.Processing) (Worker, error) {
	if cfg.Worker == nil {
		return Import{}, nil
	}
	return NewCommand(*cfg.Worker)
}
