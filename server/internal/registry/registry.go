// Package registry tracks connected workers: authentication, heartbeat
// liveness, and the queries the assignment loop and HTTP surface need.
// Workers are held in an in-memory map keyed by worker_id and mirrored
// into the ephemeral store (worker:<id> and workers:<api_type>). Lookups
// and stats read only the in-memory map, so they do not see workers from
// before a process restart.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/store"
	"github.com/taskmesh/orchestrator/shared/types"
)

// Sender is the subset of a worker session the registry needs in order to
// dispatch frames and force-close a connection. The session package
// implements this; registry never imports session, avoiding a cycle.
type Sender interface {
	SendFrame(f types.Frame) error
	Close()
}

// connectedWorker pairs the persisted Worker record with its live session.
type connectedWorker struct {
	worker types.Worker
	sender Sender
}

// Registry is the in-memory worker map. Every change to a worker record is
// also written to the ephemeral store; the registry never reads it back.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*connectedWorker

	tokens map[string][]string

	store         store.Store
	idleTimeout   time.Duration
	workTimeout   time.Duration
	logger        *zap.Logger
	onWorkerLost  func(workerID, taskID string)
}

// New constructs a Registry. tokens maps api_type to its valid auth token
// set. onWorkerLost is invoked (outside the registry's lock) whenever a
// worker is evicted while it held a task, so the queue can run the retry
// path for that task.
func New(st store.Store, tokens map[string][]string, idleTimeout, workTimeout time.Duration, logger *zap.Logger, onWorkerLost func(workerID, taskID string)) *Registry {
	return &Registry{
		workers:      make(map[string]*connectedWorker),
		tokens:       tokens,
		store:        st,
		idleTimeout:  idleTimeout,
		workTimeout:  workTimeout,
		logger:       logger.Named("registry"),
		onWorkerLost: onWorkerLost,
	}
}

// Authenticate validates a token against the configured set for api_type.
func (r *Registry) Authenticate(apiType, token string) bool {
	for _, t := range r.tokens[apiType] {
		if t == token {
			return true
		}
	}
	return false
}

// Register creates a new Worker record, assigns a fresh worker_id, and
// tracks the session. Returns the assigned id.
func (r *Registry) Register(ctx context.Context, apiType string, metadata map[string]string, sender Sender) (string, error) {
	workerID := uuid.Must(uuid.NewV7()).String()
	now := time.Now().UTC()

	w := types.Worker{
		WorkerID:      workerID,
		APIType:       apiType,
		Status:        types.WorkerIdle,
		Metadata:      metadata,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	r.mu.Lock()
	r.workers[workerID] = &connectedWorker{worker: w, sender: sender}
	r.mu.Unlock()

	if err := r.persist(ctx, w); err != nil {
		r.logger.Warn("failed to persist worker on register", zap.String("worker_id", workerID), zap.Error(err))
	}

	r.logger.Info("worker registered", zap.String("worker_id", workerID), zap.String("api_type", apiType))
	return workerID, nil
}

// Deregister removes a worker from the in-memory map and the store. Does
// not invoke onWorkerLost; only the heartbeat sweep releases a lost
// worker's task.
func (r *Registry) Deregister(ctx context.Context, workerID string) {
	r.mu.Lock()
	cw, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	cw.worker.Status = types.WorkerOffline
	_ = r.store.Delete(ctx, workerKey(workerID))
	_ = r.store.SRem(ctx, workersByTypeKey(cw.worker.APIType), workerID)

	r.logger.Info("worker deregistered", zap.String("worker_id", workerID))
}

// Heartbeat updates last_heartbeat for a connected worker.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) (types.Worker, bool) {
	r.mu.Lock()
	cw, ok := r.workers[workerID]
	if ok {
		cw.worker.LastHeartbeat = time.Now().UTC()
	}
	var w types.Worker
	if ok {
		w = cw.worker
	}
	r.mu.Unlock()

	if !ok {
		return types.Worker{}, false
	}
	if err := r.persist(ctx, w); err != nil {
		r.logger.Warn("failed to persist heartbeat", zap.String("worker_id", workerID), zap.Error(err))
	}
	return w, true
}

// SetStatus transitions a worker between idle and working, optionally
// recording the task it now owns.
func (r *Registry) SetStatus(ctx context.Context, workerID string, status types.WorkerStatus, taskID string) {
	r.mu.Lock()
	cw, ok := r.workers[workerID]
	var w types.Worker
	if ok {
		cw.worker.Status = status
		cw.worker.CurrentTaskID = taskID
		w = cw.worker
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := r.persist(ctx, w); err != nil {
		r.logger.Warn("failed to persist status", zap.String("worker_id", workerID), zap.Error(err))
	}
}

// GetWorker returns a snapshot of a worker's record.
func (r *Registry) GetWorker(workerID string) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cw, ok := r.workers[workerID]
	if !ok {
		return types.Worker{}, false
	}
	return cw.worker, true
}

// GetConnection returns the live sender for a worker, if connected.
func (r *Registry) GetConnection(workerID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cw, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return cw.sender, true
}

// GetIdle returns a snapshot of idle workers of the given api_type.
func (r *Registry) GetIdle(apiType string) []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Worker
	for _, cw := range r.workers {
		if cw.worker.APIType == apiType && cw.worker.Status == types.WorkerIdle {
			out = append(out, cw.worker)
		}
	}
	return out
}

// GetByType returns a snapshot of all workers of the given api_type.
func (r *Registry) GetByType(apiType string) []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Worker
	for _, cw := range r.workers {
		if cw.worker.APIType == apiType {
			out = append(out, cw.worker)
		}
	}
	return out
}

// GetAll returns a snapshot of every connected worker.
func (r *Registry) GetAll() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Worker, 0, len(r.workers))
	for _, cw := range r.workers {
		out = append(out, cw.worker)
	}
	return out
}

// Stats aggregates worker counts by status, optionally filtered to one
// api_type. If apiType is empty, stats are returned per api_type.
func (r *Registry) Stats(apiType string) map[string]types.WorkerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]types.WorkerStats)
	for _, cw := range r.workers {
		if apiType != "" && cw.worker.APIType != apiType {
			continue
		}
		s := stats[cw.worker.APIType]
		s.APIType = cw.worker.APIType
		s.Total++
		switch cw.worker.Status {
		case types.WorkerIdle:
			s.Idle++
		case types.WorkerWorking:
			s.Working++
		case types.WorkerOffline:
			s.Offline++
		}
		stats[cw.worker.APIType] = s
	}
	return stats
}

// RunHeartbeatMonitor blocks, waking every tick to evict workers past
// their liveness threshold. Two thresholds apply: idle workers use
// idleTimeout, working workers (or any worker holding a task) use
// workTimeout, 3x idleTimeout when unset, so a multi-hour scrape tolerates
// a brief heartbeat gap.
func (r *Registry) RunHeartbeatMonitor(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	now := time.Now().UTC()
	workTimeout := r.workTimeout
	if workTimeout == 0 {
		workTimeout = 3 * r.idleTimeout
	}

	type lost struct {
		workerID, taskID string
		sender           Sender
	}
	var evicted []lost

	r.mu.Lock()
	for id, cw := range r.workers {
		since := now.Sub(cw.worker.LastHeartbeat)
		timeout := r.idleTimeout
		if cw.worker.Status == types.WorkerWorking || cw.worker.CurrentTaskID != "" {
			timeout = workTimeout
		}
		if since > timeout {
			evicted = append(evicted, lost{id, cw.worker.CurrentTaskID, cw.sender})
			delete(r.workers, id)
		}
	}
	r.mu.Unlock()

	for _, e := range evicted {
		r.logger.Warn("worker timed out, evicting", zap.String("worker_id", e.workerID))
		_ = r.store.Delete(ctx, workerKey(e.workerID))
		if e.sender != nil {
			e.sender.Close()
		}
		if r.onWorkerLost != nil && e.taskID != "" {
			r.onWorkerLost(e.workerID, e.taskID)
		}
	}
}

func (r *Registry) persist(ctx context.Context, w types.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	if err := r.store.Set(ctx, workerKey(w.WorkerID), string(data), 2*r.idleTimeout); err != nil {
		return err
	}
	return r.store.SAdd(ctx, workersByTypeKey(w.APIType), w.WorkerID)
}

func workerKey(workerID string) string        { return "worker:" + workerID }
func workersByTypeKey(apiType string) string   { return "workers:" + apiType }
