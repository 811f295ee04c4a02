// Package assignment implements the single-loop matcher between pending
// tasks and idle workers: a signal-driven wakeup on every enqueue or
// status change, backstopped by a 5-second safety-net tick so no
// assignable task waits indefinitely. Each tick drains every api_type to
// exhaustion before the loop sleeps again.
package assignment

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/config"
	"github.com/taskmesh/orchestrator/server/internal/queue"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/shared/types"
)

// Loop matches idle workers to pending tasks and dispatches task frames.
type Loop struct {
	queue    *queue.Queue
	registry *registry.Registry
	logger   *zap.Logger
	cron     gocron.Scheduler
}

// New constructs a Loop over the given queue and registry.
func New(q *queue.Queue, reg *registry.Registry, logger *zap.Logger) (*Loop, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Loop{queue: q, registry: reg, logger: logger.Named("assignment"), cron: cron}, nil
}

// Start wires the 5-second safety-net tick and the signal-driven wakeup,
// both funneling into runOnce. The tick only raises the queue's signal, so
// runOnce always runs on the single loop goroutine. Start returns
// immediately; call Stop to shut down the background goroutines.
func (l *Loop) Start(ctx context.Context) error {
	_, err := l.cron.NewJob(
		gocron.DurationJob(5*time.Second),
		gocron.NewTask(func() {
			select {
			case l.queue.Signal <- struct{}{}:
			default:
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	l.cron.Start()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.queue.Signal:
				l.runOnce(ctx)
			}
		}
	}()

	return nil
}

// Stop shuts down the safety-net scheduler.
func (l *Loop) Stop() error {
	return l.cron.Shutdown()
}

// runOnce drains every api_type's pending queue against idle workers until
// assignment stops making progress for that type.
func (l *Loop) runOnce(ctx context.Context) {
	for _, apiType := range config.APITypes {
		for {
			task, workerID, ok := l.queue.AssignNext(ctx, apiType)
			if !ok {
				break
			}
			l.dispatch(ctx, task, workerID)
		}
	}
}

// dispatch sends the task frame to the assigned worker's session. A send
// failure invokes the same retry path as a worker-reported error.
func (l *Loop) dispatch(ctx context.Context, task types.Task, workerID string) {
	sender, connected := l.registry.GetConnection(workerID)
	if !connected {
		l.logger.Warn("assigned worker has no live connection", zap.String("worker_id", workerID), zap.String("task_id", task.TaskID))
		l.queue.Fail(ctx, task.TaskID, "dispatch send failed")
		return
	}

	frame := types.Frame{
		Type:     types.FrameTask,
		TaskID:   task.TaskID,
		ReportID: task.ReportID,
		Action:   task.Action,
		Payload:  task.Payload,
	}

	if err := sender.SendFrame(frame); err != nil {
		l.logger.Error("failed to send task frame", zap.String("task_id", task.TaskID), zap.String("worker_id", workerID), zap.Error(err))
		l.queue.Fail(ctx, task.TaskID, "dispatch send failed")
	}
}
