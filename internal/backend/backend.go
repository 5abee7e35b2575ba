// Package backend turns batches of work items into running computation.
// Results never travel through a backend, workers write them to the run
// directory where the harvester picks them up.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iota-xfel/iota/internal/layout"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/worker"
)

// ErrDispatch marks a failed submission. It is fatal for the run attempt and
// never retried automatically.
var ErrDispatch = errors.New("dispatch failed")

// Backend is a dispatch strategy.
type Backend interface {
	Name() string
	// Submit hands the batch over and returns as soon as it is accepted.
	Submit(ctx context.Context, batch []model.WorkItem, concurrency int) (Handle, error)
	// Alive reports whether the batch behind h still runs. An error means the
	// state could not be determined.
	Alive(ctx context.Context, h Handle) (bool, error)
	// RequestAbort is the fast path after the abort sentinel was written.
	// Cooperative backends do nothing here.
	RequestAbort(ctx context.Context, h Handle) error
}

// Handle identifies a submitted batch. It is persisted with the run
// snapshot, so a later process can query or kill the batch.
type Handle struct {
	Backend   string    `json:"backend"`
	ID        string    `json:"id"`
	JobName   string    `json:"job_name,omitempty"`
	Seq       int       `json:"seq"`
	Items     int       `json:"items"`
	Submitted time.Time `json:"submitted"`
}

func dispatchErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDispatch, fmt.Sprintf(format, args...))
}

// New builds the backend configured in cfg. For the local method w runs the
// items in process.
func New(cfg model.Config, run layout.RunPaths, w worker.Worker) (Backend, error) {
	switch cfg.Dispatch.Method {
	case model.MethodLocal, "":
		return NewLocal(w, run), nil
	case model.MethodLSF, model.MethodTorque, model.MethodSlurm, model.MethodCustom:
		return NewQueue(cfg, run)
	case model.MethodRedis:
		return NewRedis(cfg, run)
	default:
		return nil, fmt.Errorf("unsupported dispatch method %q", cfg.Dispatch.Method)
	}
}
