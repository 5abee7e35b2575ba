// Package notify publishes run progress to passive consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iota-xfel/iota/internal/aggregate"
	"github.com/iota-xfel/iota/internal/model"
)

// Progress is the externally visible state of a run after a poll tick.
type Progress struct {
	RunID    string               `json:"run_id"`
	RunDir   string               `json:"run_dir"`
	State    model.RunState       `json:"state"`
	Warning  string               `json:"warning,omitempty"`
	Line     string               `json:"line"`
	Items    int                  `json:"items"`
	Counters aggregate.Counters   `json:"counters"`
	Summary  []aggregate.Category `json:"summary"`
	Updated  time.Time            `json:"updated"`
}

type Notifier interface {
	Notify(ctx context.Context, p Progress) error
}

// Multi notifies all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, p Progress) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes the progress line to the default logger. Repeated ticks
// without change are logged at debug level.
type Log struct {
	last string
}

func (l *Log) Notify(ctx context.Context, p Progress) error {
	msg := string(p.State) + ": " + p.Line
	level := slog.LevelInfo
	if msg == l.last && p.Warning == "" {
		level = slog.LevelDebug
	}
	l.last = msg
	attrs := []any{"state", p.State, "harvested", p.Counters.Harvested, "items", p.Items}
	if p.Warning != "" {
		attrs = append(attrs, "warning", p.Warning)
	}
	slog.Log(ctx, level, p.Line, attrs...)
	return nil
}

// Redis keeps the latest progress under iota:run:<id> and publishes each
// update on the iota:progress channel.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

const (
	RedisChannel   = "iota:progress"
	redisKeyPrefix = "iota:run:"
)

func RedisKey(runID string) string {
	return redisKeyPrefix + runID
}

func NewRedis(addr string) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    7 * 24 * time.Hour,
	}
}

func (r *Redis) Notify(ctx context.Context, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, RedisKey(p.RunID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("storing progress: %w", err)
	}
	if err := r.client.Publish(ctx, RedisChannel, data).Err(); err != nil {
		return fmt.Errorf("publishing progress: %w", err)
	}
	return nil
}

// Latest reads the stored progress of a run.
func (r *Redis) Latest(ctx context.Context, runID string) (Progress, error) {
	data, err := r.client.Get(ctx, RedisKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Progress{}, fmt.Errorf("run %s: no progress stored", runID)
	}
	if err != nil {
		return Progress{}, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, err
	}
	return p, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
