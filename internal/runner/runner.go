// Package runner executes external programs: workers, scheduler commands
// and the batch driver.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

type StderrFunc func(ctx context.Context, line string)

// Runner runs a single instance of a command at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
	done       chan struct{}
}

func New() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Stdin   []byte
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  *bytes.Buffer // nil when a StderrFunc consumed it
	Err     error
}

// Failed returns a descriptive error for an unsuccessful run or nil.
func (r Result) Failed() error {
	switch {
	case r.Err != nil:
		return r.withStderr(r.Err)
	case r.State == nil:
		return errors.New("process state is nil")
	case r.State.ExitCode() != 0:
		return r.withStderr(fmt.Errorf("exit code %d", r.State.ExitCode()))
	}
	return nil
}

func (r Result) withStderr(err error) error {
	if r.Stderr == nil || r.Stderr.Len() == 0 {
		return err
	}
	return fmt.Errorf("%w: %s", err, strings.TrimSpace(r.Stderr.String()))
}

// Start runs the underlying process, it ensures only a single instance is
// active and returns ErrInProgress or an exec error, otherwise nil. It does
// NOT wait on command to finish, use ResultsChan for that.
// A goroutine monitors the started command and its stderr.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
		Err:  nil,
	}

	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, r.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.Env = r.result.Env
	cmd.Dir = proto.Dir
	cmd.WaitDelay = time.Second
	if proto.Stdin != nil {
		cmd.Stdin = bytes.NewReader(proto.Stdin)
	}
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			r.cancelFunc()
			return err
		}
	} else {
		var ebuf bytes.Buffer
		r.result.Stderr = &ebuf
		cmd.Stderr = &ebuf
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cancelFunc()
		return err
	}
	r.cmd = cmd
	r.done = make(chan struct{})

	var stderrDone chan struct{}
	if stderr != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			processStderr(ctx, stderr, stderrFunc)
		}()
	}
	go r.wait(cmd, r.cancelFunc, stderrDone, r.done)
	return nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, cancel context.CancelFunc, stderrDone, done chan struct{}) {
	// stderr must be drained before Wait closes the pipe
	if stderrDone != nil {
		<-stderrDone
	}
	err := cmd.Wait()
	cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	r.cancelFunc = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
	close(done)
}

// ResultsChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. When nothing runs, the
// last result is delivered immediately.
func (r *Runner) ResultsChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns a last command result or result with
// ErrNotStarted if nothing has been executed yet.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Close kills a running command and waits until it is reaped.
func (r *Runner) Close() {
	r.mx.Lock()
	cancel, done := r.cancelFunc, r.done
	running := r.cmd != nil
	r.mx.Unlock()
	if !running {
		return
	}
	cancel()
	<-done
}

// Run executes cmd and waits for it. The returned error covers start
// failures, non-zero exit codes and timeouts.
func Run(ctx context.Context, cmd Command) (Result, error) {
	r := New()
	if err := r.Start(ctx, cmd, nil); err != nil {
		return r.LastResult(), err
	}
	res := <-r.ResultsChan()
	return res, res.Failed()
}
