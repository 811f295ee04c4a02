// Package queue implements the per-api_type priority task queues:
// submission, assignment, retry, and cancellation, backed by a sorted
// set per api_type keyed on negative priority so the lowest score (the
// highest priority) pops first.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/config"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/server/internal/store"
	"github.com/taskmesh/orchestrator/shared/types"
)

// Queue manages task submission, assignment, and lifecycle transitions.
type Queue struct {
	store    store.Store
	registry *registry.Registry
	logger   *zap.Logger

	taskTimeout time.Duration
	retryLimit  int

	// Signal wakes the assignment loop; buffered so a burst of enqueues
	// coalesces into a single extra wakeup instead of blocking senders.
	Signal chan struct{}
}

// New constructs a Queue.
func New(st store.Store, reg *registry.Registry, taskTimeout time.Duration, retryLimit int, logger *zap.Logger) *Queue {
	return &Queue{
		store:       st,
		registry:    reg,
		logger:      logger.Named("queue"),
		taskTimeout: taskTimeout,
		retryLimit:  retryLimit,
		Signal:      make(chan struct{}, 1),
	}
}

func (q *Queue) wake() {
	select {
	case q.Signal <- struct{}{}:
	default:
	}
}

// Enqueue creates a new task from a submission and inserts it into its
// api_type's priority queue, keyed by -priority so ZPopMin yields the
// highest-priority task first.
func (q *Queue) Enqueue(ctx context.Context, sub types.TaskSubmission) (types.Task, error) {
	source := sub.Source
	if source == "" {
		source = types.SourceUser
	}

	task := types.Task{
		TaskID:     uuid.Must(uuid.NewV7()).String(),
		ReportID:   sub.ReportID,
		APIType:    sub.APIType,
		Action:     sub.Action,
		Payload:    sub.Payload,
		Priority:   sub.Priority,
		Status:     types.TaskPending,
		MaxRetries: q.retryLimit,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}

	if err := q.storeTask(ctx, task); err != nil {
		return types.Task{}, err
	}
	if err := q.store.ZAdd(ctx, queueKey(task.APIType), task.TaskID, float64(-task.Priority)); err != nil {
		return types.Task{}, fmt.Errorf("enqueue task: %w", err)
	}

	q.logger.Info("task enqueued", zap.String("task_id", task.TaskID), zap.String("api_type", task.APIType), zap.String("action", task.Action))
	q.wake()
	return task, nil
}

// GetTask loads a task by id.
func (q *Queue) GetTask(ctx context.Context, taskID string) (types.Task, bool) {
	raw, err := q.store.Get(ctx, taskKey(taskID))
	if err != nil {
		return types.Task{}, false
	}
	var task types.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		q.logger.Warn("corrupt task record", zap.String("task_id", taskID), zap.Error(err))
		return types.Task{}, false
	}
	return task, true
}

// AssignNext pops the highest-priority pending task for api_type and binds
// it to the first idle worker of that type. If no task or no idle worker
// is available, it returns ok=false. The idle check runs before the pop, so
// nothing is popped without a worker; a popped task whose assignment fails
// to persist is re-inserted at its original score so it is not lost.
func (q *Queue) AssignNext(ctx context.Context, apiType string) (task types.Task, workerID string, ok bool) {
	idle := q.registry.GetIdle(apiType)
	if len(idle) == 0 {
		return types.Task{}, "", false
	}

	taskID, score, popped, err := q.store.ZPopMin(ctx, queueKey(apiType))
	if err != nil {
		q.logger.Error("zpopmin failed", zap.String("api_type", apiType), zap.Error(err))
		return types.Task{}, "", false
	}
	if !popped {
		return types.Task{}, "", false
	}

	t, found := q.GetTask(ctx, taskID)
	if !found {
		q.logger.Warn("popped task not found in store", zap.String("task_id", taskID))
		return types.Task{}, "", false
	}

	worker := idle[0]
	now := time.Now().UTC()
	t.Status = types.TaskAssigned
	t.AssignedWorkerID = worker.WorkerID
	t.AssignedAt = &now

	if err := q.storeTask(ctx, t); err != nil {
		q.logger.Error("failed to persist assignment, re-queueing", zap.String("task_id", taskID), zap.Error(err))
		_ = q.store.ZAdd(ctx, queueKey(apiType), taskID, score)
		return types.Task{}, "", false
	}

	q.registry.SetStatus(ctx, worker.WorkerID, types.WorkerWorking, t.TaskID)

	q.logger.Info("task assigned", zap.String("task_id", t.TaskID), zap.String("worker_id", worker.WorkerID))
	return t, worker.WorkerID, true
}

// MarkRunning transitions a task to running once the worker confirms start.
func (q *Queue) MarkRunning(ctx context.Context, taskID string) {
	t, ok := q.GetTask(ctx, taskID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	t.Status = types.TaskRunning
	t.StartedAt = &now
	_ = q.storeTask(ctx, t)
}

// MarkCompleted transitions a task to completed and releases its worker.
func (q *Queue) MarkCompleted(ctx context.Context, taskID string, result map[string]any) (types.Task, bool) {
	t, ok := q.GetTask(ctx, taskID)
	if !ok {
		return types.Task{}, false
	}
	if t.Status.IsTerminal() {
		// First writer wins: a late complete after a timeout-induced
		// failure is a no-op.
		return t, true
	}

	now := time.Now().UTC()
	t.Status = types.TaskCompleted
	t.Result = result
	t.CompletedAt = &now
	_ = q.storeTask(ctx, t)

	if t.AssignedWorkerID != "" {
		q.registry.SetStatus(ctx, t.AssignedWorkerID, types.WorkerIdle, "")
	}

	q.logger.Info("task completed", zap.String("task_id", taskID))
	q.wake()
	return t, true
}

// Fail runs the retry-or-terminate path shared by worker-reported errors,
// dispatch-send failures, and heartbeat-timeout evictions.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) (types.Task, bool) {
	t, ok := q.GetTask(ctx, taskID)
	if !ok {
		return types.Task{}, false
	}
	if t.Status.IsTerminal() {
		return t, true
	}

	if t.AssignedWorkerID != "" {
		q.registry.SetStatus(ctx, t.AssignedWorkerID, types.WorkerIdle, "")
	}

	t.RetryCount++
	t.Error = errMsg
	t.AssignedWorkerID = ""

	if t.RetryCount < t.MaxRetries {
		t.Status = types.TaskPending
		t.AssignedAt = nil
		t.StartedAt = nil
		if err := q.storeTask(ctx, t); err != nil {
			q.logger.Error("failed to persist retry", zap.String("task_id", taskID), zap.Error(err))
			return t, false
		}
		if err := q.store.ZAdd(ctx, queueKey(t.APIType), t.TaskID, float64(-t.Priority)); err != nil {
			q.logger.Error("failed to re-enqueue retry", zap.String("task_id", taskID), zap.Error(err))
			return t, false
		}
		q.logger.Warn("task failed, retrying", zap.String("task_id", taskID), zap.Int("retry_count", t.RetryCount), zap.Int("max_retries", t.MaxRetries))
		q.wake()
		return t, true
	}

	now := time.Now().UTC()
	t.Status = types.TaskFailed
	t.CompletedAt = &now
	_ = q.storeTask(ctx, t)
	q.logger.Error("task failed permanently", zap.String("task_id", taskID), zap.String("error", errMsg))
	q.wake()
	return t, true
}

// Cancel removes a pending or assigned task from the queue and marks it
// cancelled. Running and terminal tasks are left unchanged and return false.
func (q *Queue) Cancel(ctx context.Context, taskID string) bool {
	t, ok := q.GetTask(ctx, taskID)
	if !ok {
		return false
	}
	if t.Status == types.TaskRunning || t.Status.IsTerminal() {
		return false
	}

	_ = q.store.ZRem(ctx, queueKey(t.APIType), taskID)

	now := time.Now().UTC()
	t.Status = types.TaskCancelled
	t.CompletedAt = &now
	_ = q.storeTask(ctx, t)

	if t.AssignedWorkerID != "" {
		q.registry.SetStatus(ctx, t.AssignedWorkerID, types.WorkerIdle, "")
	}

	q.logger.Info("task cancelled", zap.String("task_id", taskID))
	q.wake()
	return true
}

// CancelPending cancels every still-pending task of an api_type, returning
// the count cancelled. Used by DELETE /tasks/pending.
func (q *Queue) CancelPending(ctx context.Context, apiType string) int {
	count := 0
	for {
		taskID, _, popped, err := q.store.ZPopMin(ctx, queueKey(apiType))
		if err != nil || !popped {
			break
		}
		t, ok := q.GetTask(ctx, taskID)
		if !ok {
			continue
		}
		now := time.Now().UTC()
		t.Status = types.TaskCancelled
		t.CompletedAt = &now
		_ = q.storeTask(ctx, t)
		count++
	}
	return count
}

// Stats returns per-api_type queue depth and worker population. Iterates
// the fixed api_type list, not just the types with a connected worker, so
// an api_type with pending tasks and zero workers is still reported
// (total_workers=0) instead of being silently dropped.
func (q *Queue) Stats(ctx context.Context) map[string]types.QueueStats {
	out := make(map[string]types.QueueStats, len(config.APITypes))
	workerStats := q.registry.Stats("")

	for _, apiType := range config.APITypes {
		pending, _ := q.store.ZCard(ctx, queueKey(apiType))
		ws := workerStats[apiType]
		out[apiType] = types.QueueStats{
			Pending:        int(pending),
			TotalWorkers:   ws.Total,
			IdleWorkers:    ws.Idle,
			WorkingWorkers: ws.Working,
		}
	}
	return out
}

// StatsForType returns pending count and worker population for one api_type.
func (q *Queue) StatsForType(ctx context.Context, apiType string) types.QueueStats {
	pending, _ := q.store.ZCard(ctx, queueKey(apiType))
	ws := q.registry.Stats(apiType)[apiType]
	return types.QueueStats{
		Pending:        int(pending),
		TotalWorkers:   ws.Total,
		IdleWorkers:    ws.Idle,
		WorkingWorkers: ws.Working,
	}
}

func (q *Queue) storeTask(ctx context.Context, t types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	ttl := 2 * q.taskTimeout
	if t.Status.IsTerminal() {
		ttl = time.Hour
	}
	return q.store.Set(ctx, taskKey(t.TaskID), string(data), ttl)
}

func queueKey(apiType string) string { return "task_queue:" + apiType }
func taskKey(taskID string) string   { return "task:" + taskID }
