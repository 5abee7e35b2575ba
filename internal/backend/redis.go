package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/iota-xfel/iota/internal/layout"
	ilog "github.com/iota-xfel/iota/internal/log"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/resultfile"
	"github.com/iota-xfel/iota/internal/worker"
)

// TaskItem is the asynq task type of a single work item.
const TaskItem = "iota:item"

const defaultRedisQueue = "iota"

// ItemTask is the payload of a TaskItem.
type ItemTask struct {
	RunDir string         `json:"run_dir"`
	Item   model.WorkItem `json:"item"`
}

// Redis enqueues one asynq task per item. "iota _worker" processes them on
// any host sharing the run directory. A queue should serve a single run at
// a time, liveness is the queue running empty.
type Redis struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	run       layout.RunPaths
	seq       int
}

func RedisOpt(r model.Redis) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

func QueueName(cfg model.Dispatch) string {
	if cfg.Queue != "" {
		return cfg.Queue
	}
	return defaultRedisQueue
}

func NewRedis(cfg model.Config, run layout.RunPaths) (*Redis, error) {
	if cfg.Dispatch.Redis == nil {
		return nil, errors.New("dispatch.redis is not configured")
	}
	opt := RedisOpt(*cfg.Dispatch.Redis)
	return &Redis{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     QueueName(cfg.Dispatch),
		run:       run,
	}, nil
}

func (r *Redis) Name() string { return model.MethodRedis }

func (r *Redis) Submit(ctx context.Context, batch []model.WorkItem, _ int) (Handle, error) {
	r.seq++
	h := Handle{
		Backend:   r.Name(),
		ID:        r.queue,
		Seq:       r.seq,
		Items:     len(batch),
		Submitted: time.Now().UTC(),
	}
	for _, item := range batch {
		payload, err := json.Marshal(ItemTask{RunDir: r.run.Root, Item: item})
		if err != nil {
			return Handle{}, dispatchErr("encoding item %d: %v", item.Ordinal, err)
		}
		id := fmt.Sprintf("%s#%d", r.run.Root, item.Ordinal)
		task := asynq.NewTask(TaskItem, payload,
			asynq.Queue(r.queue),
			asynq.MaxRetry(0),
			asynq.TaskID(id),
		)
		if err := r.enqueue(ctx, task, id); err != nil {
			return Handle{}, dispatchErr("enqueue item %d: %v", item.Ordinal, err)
		}
	}
	return h, nil
}

// enqueue adds task unless the same item is still queued or running. A task
// left archived or completed by an earlier submission is replaced, so a
// resumed run gets another attempt at items whose worker failed.
func (r *Redis) enqueue(ctx context.Context, task *asynq.Task, id string) error {
	_, err := r.client.EnqueueContext(ctx, task)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	info, err := r.inspector.GetTaskInfo(r.queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		// gone in between
		_, err = r.client.EnqueueContext(ctx, task)
		return err
	}
	if err != nil {
		return err
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		if err := r.inspector.DeleteTask(r.queue, id); err != nil {
			return fmt.Errorf("removing previous task %s: %w", id, err)
		}
		slog.DebugContext(ctx, "replacing finished task", "task", id, "state", info.State.String())
		_, err = r.client.EnqueueContext(ctx, task)
		return err
	default:
		slog.DebugContext(ctx, "item already queued", "task", id, "state", info.State.String())
		return nil
	}
}

func (r *Redis) Alive(_ context.Context, h Handle) (bool, error) {
	info, err := r.inspector.GetQueueInfo(h.ID)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	return info.Pending+info.Active+info.Scheduled+info.Retry > 0, nil
}

// RequestAbort drops queued tasks. Active ones run to completion.
func (r *Redis) RequestAbort(ctx context.Context, h Handle) error {
	var errs []error
	n, err := r.inspector.DeleteAllPendingTasks(h.ID)
	errs = append(errs, err)
	_, err = r.inspector.DeleteAllScheduledTasks(h.ID)
	errs = append(errs, err)
	_, err = r.inspector.DeleteAllRetryTasks(h.ID)
	errs = append(errs, err)
	slog.InfoContext(ctx, "dropped queued items", "queue", h.ID, "count", n)
	return errors.Join(errs...)
}

func (r *Redis) Close() error {
	return errors.Join(r.client.Close(), r.inspector.Close())
}

// ItemHandler processes TaskItem tasks with w.
type ItemHandler struct {
	worker worker.Worker
}

func NewItemHandler(w worker.Worker) *ItemHandler {
	return &ItemHandler{worker: w}
}

func (h *ItemHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ItemTask
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decoding task: %v: %w", err, asynq.SkipRetry)
	}
	run := layout.BuildRunPaths(p.RunDir)
	ctx = ilog.ContextAttrs(ctx,
		slog.String("run", p.RunDir),
		slog.Int("ordinal", p.Item.Ordinal),
		slog.String("path", p.Item.Payload.Path),
	)
	if run.AbortRequested() {
		slog.InfoContext(ctx, "run aborted: skipping item")
		return nil
	}
	res, err := h.worker.Process(ctx, p.Item)
	if err != nil {
		return fmt.Errorf("item %d not processed: %v: %w", p.Item.Ordinal, err, asynq.SkipRetry)
	}
	if _, err := resultfile.Write(run.Objects, p.Item, res); err != nil {
		return fmt.Errorf("writing result: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// Serve runs an asynq server consuming the queue until ctx is done.
func Serve(ctx context.Context, opt asynq.RedisClientOpt, queue string, concurrency int, w worker.Worker) error {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: max(1, concurrency),
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{ctx: ctx},
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskItem, NewItemHandler(w))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// asynqLogger routes asynq's own logging to slog.
type asynqLogger struct {
	ctx context.Context
}

func (l asynqLogger) Debug(args ...any) { slog.DebugContext(l.ctx, fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { slog.InfoContext(l.ctx, fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { slog.WarnContext(l.ctx, fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { slog.ErrorContext(l.ctx, fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	slog.ErrorContext(l.ctx, fmt.Sprint(args...))
	os.Exit(1)
}
