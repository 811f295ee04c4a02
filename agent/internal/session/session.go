// Package session implements the worker agent's half of the session
// protocol: connect, authenticate, run the heartbeat and message loops, and
// reconnect with a linear-capped backoff on any failure.
//
// A task may still be executing when the connection drops. The executor
// keeps running against the local scraper API regardless — only the
// session's terminal report is at risk, and that report is queued and
// replayed on the next successful reconnect, never dropped.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/agent/internal/executor"
	"github.com/taskmesh/orchestrator/shared/types"
)

// completedTasksCapacity bounds the duplicate-protection set. Task ids age
// out in FIFO order once the cap is reached.
const completedTasksCapacity = 100

// sendBuffer is the outbound channel depth for every frame sent after auth.
// A full buffer means the writer is stuck; non-terminal frames are dropped
// and terminal frames stay in pendingMessages rather than blocking task
// execution.
const sendBuffer = 32

// Config holds everything the session client needs to connect and identify
// itself to the orchestrator.
type Config struct {
	OrchestratorURL string
	APIType         string
	Token           string
	AgentName       string
	AgentVersion    string
	LocalAPIURL     string

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration

	// MetricsFn, if set, is called on every auth attempt to attach a host
	// resource snapshot to the auth frame's metadata.
	MetricsFn func() map[string]string
}

// Client is the worker agent's persistent connection to the orchestrator.
type Client struct {
	cfg    Config
	exec   *executor.Executor
	logger *zap.Logger

	mu              sync.Mutex
	conn            *websocket.Conn
	sendCh          chan types.Frame
	workerID        string
	currentTaskID   string
	completedOrder  []string
	completedSet    map[string]struct{}
	pendingMessages []types.Frame
	cancelFuncs     map[string]context.CancelFunc
}

// New builds a Client. Call Run to start the connect/auth/message loop.
func New(cfg Config, exec *executor.Executor, logger *zap.Logger) *Client {
	return &Client{
		cfg:          cfg,
		exec:         exec,
		logger:       logger.Named("session"),
		completedSet: make(map[string]struct{}, completedTasksCapacity),
		cancelFuncs:  make(map[string]context.CancelFunc),
	}
}

// Run connects to the orchestrator and stays connected until ctx is
// cancelled, reconnecting with a linear-capped backoff after every failure.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.logger.Info("session stopped")
			return
		}

		c.logger.Info("connecting to orchestrator", zap.String("url", c.cfg.OrchestratorURL))

		if err := c.connect(ctx); err != nil {
			attempt++
			delay := c.backoff(attempt)
			c.logger.Warn("session failed, reconnecting",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
	}
}

// backoff implements the linear-capped reconnect delay: min(base*attempt, cap).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectBase * time.Duration(attempt)
	if d > c.cfg.ReconnectCap {
		return c.cfg.ReconnectCap
	}
	return d
}

// connect dials, authenticates, and runs the heartbeat and read loops until
// one of them ends the session. Returns once the session has fully torn
// down, with the error that ended it (nil on graceful shutdown).
func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.OrchestratorURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(c.authFrame()); err != nil {
		return fmt.Errorf("failed to send auth frame: %w", err)
	}

	var resp types.Frame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if resp.Type != types.FrameAuthSuccess {
		return fmt.Errorf("authentication rejected: %s", resp.Error)
	}

	sendCh := make(chan types.Frame, sendBuffer)
	c.mu.Lock()
	c.conn = conn
	c.sendCh = sendCh
	c.workerID = resp.WorkerID
	c.mu.Unlock()

	c.logger.Info("authenticated", zap.String("worker_id", resp.WorkerID))
	c.flushPending()

	errCh := make(chan error, 3)
	go func() { errCh <- c.writePump(conn, sendCh) }()
	go func() { errCh <- c.heartbeatLoop(ctx, sendCh) }()
	go func() { errCh <- c.readLoop(conn) }()

	err = <-errCh

	c.mu.Lock()
	c.conn = nil
	c.sendCh = nil
	c.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// authFrame builds the auth frame for this connection attempt, advertising
// any task still in flight under metadata["in_progress_task"]. The
// orchestrator stores this with the worker's metadata but still registers
// the reconnected worker as idle.
func (c *Client) authFrame() types.Frame {
	c.mu.Lock()
	inProgress := c.currentTaskID
	c.mu.Unlock()

	metadata := map[string]string{
		"name":          c.cfg.AgentName,
		"version":       c.cfg.AgentVersion,
		"local_api_url": c.cfg.LocalAPIURL,
	}
	if inProgress != "" {
		metadata["in_progress_task"] = inProgress
	}
	if c.cfg.MetricsFn != nil {
		for k, v := range c.cfg.MetricsFn() {
			metadata[k] = v
		}
	}

	return types.Frame{
		Type:     types.FrameAuth,
		APIType:  c.cfg.APIType,
		Token:    c.cfg.Token,
		Metadata: metadata,
	}
}

// writePump is the sole writer on conn; gorilla/websocket does not allow
// concurrent writes from multiple goroutines.
func (c *Client) writePump(conn *websocket.Conn, sendCh chan types.Frame) error {
	for frame := range sendCh {
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
	}
	return nil
}

// heartbeatLoop sends a heartbeat every interval regardless of task state.
// A failed send does not end the session — it waits for the read loop or
// write pump to notice the dead connection and trigger a reconnect.
func (c *Client) heartbeatLoop(ctx context.Context, sendCh chan types.Frame) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case sendCh <- types.Frame{Type: types.FrameHeartbeat}:
			default:
				c.logger.Warn("dropping heartbeat, send buffer full")
			}
		}
	}
}

// readLoop reads frames until the connection breaks or a close is observed.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var frame types.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame types.Frame) {
	switch frame.Type {
	case types.FrameHeartbeatAck:
		// liveness only, nothing to do.
	case types.FrameTask:
		c.handleTask(frame)
	case types.FrameCancel:
		c.handleCancel(frame)
	default:
		c.logger.Warn("ignoring unrecognized frame", zap.String("type", string(frame.Type)))
	}
}

// handleTask enforces duplicate protection before dispatching to the
// executor: a task already completed, or already in flight, is refused
// rather than re-run or run concurrently with another task.
func (c *Client) handleTask(frame types.Frame) {
	c.mu.Lock()
	if frame.TaskID == c.currentTaskID || c.hasCompletedLocked(frame.TaskID) {
		c.mu.Unlock()
		c.logger.Warn("ignoring duplicate task", zap.String("task_id", frame.TaskID))
		return
	}
	if c.currentTaskID != "" {
		c.mu.Unlock()
		c.logger.Warn("refusing concurrent task",
			zap.String("task_id", frame.TaskID),
			zap.String("current_task_id", c.currentTaskID),
		)
		return
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	c.currentTaskID = frame.TaskID
	c.cancelFuncs[frame.TaskID] = cancel
	c.mu.Unlock()

	task := executor.Task{
		TaskID:   frame.TaskID,
		ReportID: frame.ReportID,
		APIType:  c.cfg.APIType,
		Action:   frame.Action,
		Payload:  frame.Payload,
	}

	go c.exec.Execute(taskCtx, task, c)
}

func (c *Client) handleCancel(frame types.Frame) {
	c.mu.Lock()
	cancel, ok := c.cancelFuncs[frame.TaskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Info("cancelling in-flight task", zap.String("task_id", frame.TaskID))
	cancel()
}

func (c *Client) hasCompletedLocked(taskID string) bool {
	_, ok := c.completedSet[taskID]
	return ok
}

// finishTask clears the active task and records it in the bounded
// duplicate-protection set.
func (c *Client) finishTask(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentTaskID == taskID {
		c.currentTaskID = ""
	}
	delete(c.cancelFuncs, taskID)

	if _, ok := c.completedSet[taskID]; ok {
		return
	}
	if len(c.completedOrder) >= completedTasksCapacity {
		oldest := c.completedOrder[0]
		c.completedOrder = c.completedOrder[1:]
		delete(c.completedSet, oldest)
	}
	c.completedOrder = append(c.completedOrder, taskID)
	c.completedSet[taskID] = struct{}{}
}

// ReportRunning satisfies executor.Reporter.
func (c *Client) ReportRunning(taskID string) {
	c.send(types.Frame{Type: types.FrameRunning, TaskID: taskID}, false)
}

// ReportComplete satisfies executor.Reporter. Completion frames are
// terminal: they are queued, not dropped, if the session is down.
func (c *Client) ReportComplete(taskID string, result map[string]any) {
	c.finishTask(taskID)
	c.send(types.Frame{Type: types.FrameComplete, TaskID: taskID, Result: result}, true)
}

// ReportFailed satisfies executor.Reporter. Error frames are terminal for
// the same reason completion frames are.
func (c *Client) ReportFailed(taskID string, message string) {
	c.finishTask(taskID)
	c.send(types.Frame{Type: types.FrameError, TaskID: taskID, Error: message}, true)
}

// EmitStatus satisfies localapi.StatusSink: it forwards an intermediate
// progress update from the local scraper as a fire-and-forget status frame,
// scoped to whichever task is currently active.
func (c *Client) EmitStatus(taskID, stepKey, detailType, message string, data map[string]any) {
	c.mu.Lock()
	active := c.currentTaskID
	c.mu.Unlock()
	if taskID != active {
		return
	}
	c.send(types.Frame{
		Type:       types.FrameStatus,
		TaskID:     taskID,
		StepKey:    stepKey,
		DetailType: detailType,
		Message:    message,
		Data:       data,
	}, false)
}

// send routes a frame to the live connection when one exists. Non-terminal
// frames are dropped on the floor when disconnected or when the send buffer
// is full; terminal frames go through the durable pending queue instead.
func (c *Client) send(frame types.Frame, terminal bool) {
	if terminal {
		c.mu.Lock()
		c.pendingMessages = append(c.pendingMessages, frame)
		c.flushPendingLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	ch := c.sendCh
	c.mu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- frame:
	default:
		c.logger.Warn("dropping status frame, send buffer full", zap.String("task_id", frame.TaskID))
	}
}

// flushPending retries delivery of every queued terminal frame against the
// current connection, if any. Frames that still can't be placed on the send
// buffer stay queued for the next attempt.
func (c *Client) flushPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushPendingLocked()
}

func (c *Client) flushPendingLocked() {
	if c.sendCh == nil || len(c.pendingMessages) == 0 {
		return
	}

	remaining := c.pendingMessages[:0:0]
	for _, f := range c.pendingMessages {
		select {
		case c.sendCh <- f:
		default:
			remaining = append(remaining, f)
		}
	}
	c.pendingMessages = remaining
}
