package backend_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/iota-xfel/iota/internal/backend"
	"github.com/iota-xfel/iota/internal/harvest"
	"github.com/iota-xfel/iota/internal/model"
	"github.com/iota-xfel/iota/internal/worker"
	"github.com/stretchr/testify/require"
)

// startRedis runs a throwaway redis. The test is skipped without docker.
func startRedis(t *testing.T) model.Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipped in short mode")
	}
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipped, redis container not available: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := ctr.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return model.Redis{Addr: fmt.Sprintf("%s:%s", host, port.Port())}
}

func TestRedis(t *testing.T) {
	redis := startRedis(t)
	run := newRun(t)

	cfg := model.DefaultConfig(t.Context())
	cfg.Dispatch.Method = model.MethodRedis
	cfg.Dispatch.Queue = "iota_test"
	cfg.Dispatch.Redis = &redis

	b, err := backend.NewRedis(cfg, run)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	h, err := b.Submit(t.Context(), items(4), 2)
	require.NoError(t, err)
	require.Equal(t, "iota_test", h.ID)

	alive, err := b.Alive(t.Context(), h)
	require.NoError(t, err)
	require.True(t, alive, "tasks are pending before any worker runs")

	// re-submitting the same items doesn't duplicate them
	_, err = b.Submit(t.Context(), items(4), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- backend.Serve(ctx, backend.RedisOpt(redis), "iota_test", 2, integrate)
	}()

	require.Eventually(t, func() bool {
		alive, err := b.Alive(t.Context(), h)
		return err == nil && !alive
	}, 30*time.Second, 100*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := harvest.New(run.Objects).Scan(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, got, 4)
}

func TestRedis_Abort(t *testing.T) {
	redis := startRedis(t)
	run := newRun(t)

	cfg := model.DefaultConfig(t.Context())
	cfg.Dispatch.Method = model.MethodRedis
	cfg.Dispatch.Queue = "iota_abort"
	cfg.Dispatch.Redis = &redis

	b, err := backend.NewRedis(cfg, run)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	h, err := b.Submit(t.Context(), items(5), 1)
	require.NoError(t, err)
	require.NoError(t, b.RequestAbort(t.Context(), h))

	alive, err := b.Alive(t.Context(), h)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestRedis_ResubmitFailed(t *testing.T) {
	redis := startRedis(t)
	run := newRun(t)

	cfg := model.DefaultConfig(t.Context())
	cfg.Dispatch.Method = model.MethodRedis
	cfg.Dispatch.Queue = "iota_resubmit"
	cfg.Dispatch.Redis = &redis

	b, err := backend.NewRedis(cfg, run)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	serve := func(w worker.Worker, h backend.Handle) {
		t.Helper()
		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() {
			done <- backend.Serve(ctx, backend.RedisOpt(redis), "iota_resubmit", 1, w)
		}()
		require.Eventually(t, func() bool {
			alive, err := b.Alive(t.Context(), h)
			return err == nil && !alive
		}, 30*time.Second, 100*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
	}

	flaky := worker.Func(func(ctx context.Context, item model.WorkItem) (model.Result, error) {
		if item.Ordinal == 2 {
			return model.Result{}, errors.New("detector file locked")
		}
		return integrate(ctx, item)
	})

	batch := items(3)
	h, err := b.Submit(t.Context(), batch, 1)
	require.NoError(t, err)
	serve(flaky, h)

	got, err := harvest.New(run.Objects).Scan(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// the failed item was archived by asynq, resubmitting must queue it again
	h, err = b.Submit(t.Context(), batch[1:2], 1)
	require.NoError(t, err)
	alive, err := b.Alive(t.Context(), h)
	require.NoError(t, err)
	require.True(t, alive)
	serve(integrate, h)

	got, err = harvest.New(run.Objects).Scan(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
}
