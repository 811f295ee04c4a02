package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/queue"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/server/internal/store"
	"github.com/taskmesh/orchestrator/shared/types"
)

type recordingSender struct {
	sent []types.Frame
}

func (r *recordingSender) SendFrame(f types.Frame) error {
	r.sent = append(r.sent, f)
	return nil
}
func (r *recordingSender) Close() {}

type failingSender struct{}

func (f *failingSender) SendFrame(types.Frame) error { return context.DeadlineExceeded }
func (f *failingSender) Close()                      {}

func newTestLoop(t *testing.T) (*registry.Registry, *queue.Queue, *Loop) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewRedisFromClient(client)
	logger := zap.NewNop()
	reg := registry.New(st, nil, time.Minute, 3*time.Minute, logger, nil)
	q := queue.New(st, reg, time.Hour, 3, logger)

	loop, err := New(q, reg, logger)
	require.NoError(t, err)
	return reg, q, loop
}

func TestRunOnceDispatchesToIdleWorker(t *testing.T) {
	ctx := context.Background()
	reg, q, loop := newTestLoop(t)

	sender := &recordingSender{}
	workerID, err := reg.Register(ctx, "crunchbase", nil, sender)
	require.NoError(t, err)

	task, err := q.Enqueue(ctx, types.TaskSubmission{APIType: "crunchbase", Action: "search", ReportID: "r1"})
	require.NoError(t, err)

	loop.runOnce(ctx)

	require.Len(t, sender.sent, 1)
	require.Equal(t, types.FrameTask, sender.sent[0].Type)
	require.Equal(t, task.TaskID, sender.sent[0].TaskID)

	w, ok := reg.GetWorker(workerID)
	require.True(t, ok)
	require.Equal(t, types.WorkerWorking, w.Status)
}

func TestDispatchFailureRetriesTask(t *testing.T) {
	ctx := context.Background()
	reg, q, loop := newTestLoop(t)

	workerID, err := reg.Register(ctx, "crunchbase", nil, &failingSender{})
	require.NoError(t, err)

	task, err := q.Enqueue(ctx, types.TaskSubmission{APIType: "crunchbase", Action: "search", ReportID: "r1"})
	require.NoError(t, err)

	assigned, gotWorker, ok := q.AssignNext(ctx, "crunchbase")
	require.True(t, ok)
	require.Equal(t, workerID, gotWorker)

	loop.dispatch(ctx, assigned, gotWorker)

	retried, ok := q.GetTask(ctx, task.TaskID)
	require.True(t, ok)
	require.Equal(t, types.TaskPending, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
}

func TestRunOnceNoopWithoutIdleWorkers(t *testing.T) {
	ctx := context.Background()
	_, q, loop := newTestLoop(t)

	_, err := q.Enqueue(ctx, types.TaskSubmission{APIType: "crunchbase", Action: "search", ReportID: "r1"})
	require.NoError(t, err)

	require.NotPanics(t, func() { loop.runOnce(ctx) })

	stats := q.StatsForType(ctx, "crunchbase")
	require.Equal(t, 1, stats.Pending)
}
