// Package types defines the wire-level and domain types shared between the
// orchestrator server and the worker agent: worker/task records and the
// session-protocol frame vocabulary.
package types

import "time"

// WorkerStatus is the lifecycle state of a connected worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
	WorkerOffline WorkerStatus = "offline"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether status is one of the final task states.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskSource distinguishes submitter-originated work from background
// enrichment work scheduled by the orchestrator itself.
type TaskSource string

const (
	SourceUser       TaskSource = "user"
	SourceEnrichment TaskSource = "enrichment"
)

// Worker is a connected execution unit of a given api_type.
type Worker struct {
	WorkerID      string            `json:"worker_id"`
	APIType       string            `json:"api_type"`
	Status        WorkerStatus      `json:"status"`
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Task is a unit of work queued for a worker of a given api_type.
type Task struct {
	TaskID           string         `json:"task_id"`
	ReportID         string         `json:"report_id"`
	APIType          string         `json:"api_type"`
	Action           string         `json:"action"`
	Payload          map[string]any `json:"payload,omitempty"`
	Priority         int            `json:"priority"`
	Status           TaskStatus     `json:"status"`
	AssignedWorkerID string         `json:"assigned_worker_id,omitempty"`
	AssignedAt       *time.Time     `json:"assigned_at,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	Source           TaskSource     `json:"source"`
	CreatedAt        time.Time      `json:"created_at"`
}

// TaskSubmission is the request body of POST /tasks/submit.
type TaskSubmission struct {
	APIType        string         `json:"api_type"`
	Action         string         `json:"action"`
	ReportID       string         `json:"report_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	TargetWorkerID string         `json:"target_worker_id,omitempty"`
	Source         TaskSource     `json:"source,omitempty"`
}

// WorkerStats summarizes the worker population of one api_type.
type WorkerStats struct {
	APIType string `json:"api_type,omitempty"`
	Total   int    `json:"total"`
	Idle    int    `json:"idle"`
	Working int    `json:"working"`
	Offline int    `json:"offline"`
}

// QueueStats summarizes one api_type's queue and worker population.
type QueueStats struct {
	Pending        int `json:"pending"`
	TotalWorkers   int `json:"total_workers"`
	IdleWorkers    int `json:"idle_workers"`
	WorkingWorkers int `json:"working_workers"`
}

// FrameType discriminates the JSON frames exchanged on a worker session.
type FrameType string

const (
	// Worker -> orchestrator.
	FrameAuth      FrameType = "auth"
	FrameHeartbeat FrameType = "heartbeat"
	FrameRunning   FrameType = "running"
	FrameStatus    FrameType = "status"
	FrameComplete  FrameType = "complete"
	FrameError     FrameType = "error"
	FramePong      FrameType = "pong"

	// Orchestrator -> worker.
	FrameAuthSuccess  FrameType = "auth_success"
	FrameAuthFailed   FrameType = "auth_failed"
	FrameHeartbeatAck FrameType = "heartbeat_ack"
	FrameTask         FrameType = "task"
	FrameCancel       FrameType = "cancel"
	FramePing         FrameType = "ping"
)

// Frame is the wire envelope for every session-protocol message. It carries
// the union of all frame fields; callers read only the fields relevant to
// Type. Unknown types are logged and dropped by the receiver, never
// rejected.
type Frame struct {
	Type FrameType `json:"type"`

	// auth (worker -> orchestrator)
	APIType  string            `json:"api_type,omitempty"`
	Token    string            `json:"token,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// auth_success / heartbeat_ack (orchestrator -> worker)
	WorkerID    string `json:"worker_id,omitempty"`
	Status      string `json:"status,omitempty"`
	CurrentTask string `json:"current_task,omitempty"`

	// auth_failed / error (either direction)
	Error string `json:"error,omitempty"`

	// running / status / complete / error / task / cancel
	TaskID string `json:"task_id,omitempty"`

	// task (orchestrator -> worker)
	ReportID string         `json:"report_id,omitempty"`
	Action   string         `json:"action,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	// status (worker -> orchestrator)
	StepKey    string         `json:"step_key,omitempty"`
	DetailType string         `json:"detail_type,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`

	// complete (worker -> orchestrator)
	Result map[string]any `json:"result,omitempty"`
}
