// Package session implements the worker-facing bidirectional session
// protocol: a gorilla/websocket upgrade endpoint, first-frame auth
// enforcement, and per-connection read/write pumps. One Session exists
// per authenticated worker connection. There is no transport-level
// ping/pong; liveness is carried entirely by application heartbeat
// frames, with a generous idle read deadline as the dead-connection
// backstop.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/queue"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/server/internal/statusrelay"
	"github.com/taskmesh/orchestrator/shared/types"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
	// idleReadTimeout is the generous backstop named in the concurrency
	// model: detects a truly dead connection even when heartbeats are
	// suppressed by a blocking call on the worker side.
	idleReadTimeout = 10 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler owns the dependencies every Session needs to authenticate and
// route frames: the worker registry, the task queue, and the status relay.
type Handler struct {
	Registry *registry.Registry
	Queue    *queue.Queue
	Relay    *statusrelay.Relay
	Logger   *zap.Logger
}

// ServeWorker handles GET /worker: upgrades the connection and blocks for
// the lifetime of the session. The first frame received must be `auth`;
// anything else closes the connection.
func (h *Handler) ServeWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("worker session upgrade failed", zap.Error(err))
		return
	}

	s := &Session{
		conn:   conn,
		send:   make(chan types.Frame, sendBufferSize),
		h:      h,
		logger: h.Logger.Named("session"),
	}
	s.run()
}

// Session is one authenticated worker's live connection.
type Session struct {
	conn   *websocket.Conn
	send   chan types.Frame
	h      *Handler
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	workerID string
}

// SendFrame queues a frame for delivery, satisfying registry.Sender. Never
// blocks: a full send buffer indicates a slow or dead peer, and SendFrame
// closes the session and returns an error.
func (s *Session) SendFrame(f types.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	s.mu.Unlock()

	select {
	case s.send <- f:
		return nil
	default:
		s.logger.Warn("session send buffer full, dropping connection", zap.String("worker_id", s.workerID))
		s.Close()
		return context.Canceled
	}
}

// Close closes the underlying connection. Safe to call multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *Session) run() {
	ctx := context.Background()

	if !s.authenticate(ctx) {
		s.Close()
		return
	}

	go s.writePump()
	s.readPump(ctx)

	if s.workerID != "" {
		s.h.Registry.Deregister(ctx, s.workerID)
	}
	s.Close()
}

// authenticate enforces that the first frame is `auth` with a valid token,
// registers the worker, and replies with auth_success or auth_failed.
func (s *Session) authenticate(ctx context.Context) bool {
	s.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))

	var frame types.Frame
	if err := s.conn.ReadJSON(&frame); err != nil {
		s.logger.Warn("worker session closed before auth frame", zap.Error(err))
		return false
	}

	if frame.Type != types.FrameAuth {
		s.logger.Warn("first frame was not auth, closing", zap.String("type", string(frame.Type)))
		return false
	}

	if !s.h.Registry.Authenticate(frame.APIType, frame.Token) {
		s.logger.Warn("worker auth rejected", zap.String("api_type", frame.APIType))
		_ = s.conn.WriteJSON(types.Frame{Type: types.FrameAuthFailed, Error: "invalid token"})
		return false
	}

	workerID, err := s.h.Registry.Register(ctx, frame.APIType, frame.Metadata, s)
	if err != nil {
		_ = s.conn.WriteJSON(types.Frame{Type: types.FrameAuthFailed, Error: "registration failed"})
		return false
	}

	s.workerID = workerID
	_ = s.conn.WriteJSON(types.Frame{Type: types.FrameAuthSuccess, WorkerID: workerID})
	s.logger.Info("worker authenticated", zap.String("worker_id", workerID), zap.String("api_type", frame.APIType))
	return true
}

// readPump decodes incoming frames and dispatches them by type until the
// connection closes or the idle timeout fires.
func (s *Session) readPump(ctx context.Context) {
	defer close(s.send)

	for {
		s.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))

		var frame types.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *Session) handleFrame(ctx context.Context, frame types.Frame) {
	switch frame.Type {
	case types.FrameHeartbeat:
		w, ok := s.h.Registry.Heartbeat(ctx, s.workerID)
		if ok {
			_ = s.SendFrame(types.Frame{
				Type:        types.FrameHeartbeatAck,
				WorkerID:    w.WorkerID,
				Status:      string(w.Status),
				CurrentTask: w.CurrentTaskID,
			})
		}
	case types.FrameRunning:
		s.h.Queue.MarkRunning(ctx, frame.TaskID)
	case types.FrameStatus:
		s.h.Relay.Forward(ctx, frame)
	case types.FrameComplete:
		task, ok := s.h.Queue.MarkCompleted(ctx, frame.TaskID, frame.Result)
		if ok {
			s.h.Relay.OnTaskTerminal(ctx, task)
		}
	case types.FrameError:
		task, ok := s.h.Queue.Fail(ctx, frame.TaskID, frame.Error)
		if ok && task.Status.IsTerminal() {
			s.h.Relay.OnTaskTerminal(ctx, task)
		}
	case types.FramePong:
		// no transport-level ping is sent; a stray pong is ignored.
	default:
		s.logger.Warn("dropping unknown frame type", zap.String("type", string(frame.Type)))
	}
}

func (s *Session) writePump() {
	defer s.Close()

	for frame := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(frame); err != nil {
			s.logger.Warn("worker session write failed", zap.String("worker_id", s.workerID), zap.Error(err))
			return
		}
	}
}
