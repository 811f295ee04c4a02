// Package executor runs a single assigned task to completion by calling the
// agent's local scraper API. It sits between the session client (which
// receives task frames from the orchestrator over the worker session) and
// the wrapped scraper's HTTP surface, resolving the task's action to a
// concrete endpoint via the adapter table.
//
// The session client enforces single-task concurrency — the executor itself
// is stateless and simply runs whatever task it is given.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/agent/internal/adapter"
)

// Task is the internal representation of a task assigned over the session.
type Task struct {
	TaskID   string
	ReportID string
	APIType  string
	Action   string
	Payload  map[string]any
}

// Reporter receives task lifecycle transitions and forwards them to the
// orchestrator. Implemented by the session client.
type Reporter interface {
	ReportRunning(taskID string)
	ReportComplete(taskID string, result map[string]any)
	ReportFailed(taskID string, message string)
}

// Executor POSTs a task's payload to the local scraper API and translates
// the HTTP response into a terminal report.
type Executor struct {
	localAPIURL string
	client      *http.Client
	logger      *zap.Logger
}

// New builds an Executor targeting localAPIURL. The HTTP client carries no
// timeout — scrapes can legitimately run for hours; callers cancel via ctx.
func New(localAPIURL string, logger *zap.Logger) *Executor {
	return &Executor{
		localAPIURL: localAPIURL,
		client:      &http.Client{Timeout: 0},
		logger:      logger.Named("executor"),
	}
}

// Execute runs task to completion and reports the outcome through reporter.
// It blocks for the duration of the local API call; the caller runs it in
// its own goroutine so the session's message loop stays responsive.
func (e *Executor) Execute(ctx context.Context, task Task, reporter Reporter) {
	reporter.ReportRunning(task.TaskID)

	endpoint := adapter.Endpoint(task.APIType, task.Action)

	payload := make(map[string]any, len(task.Payload)+1)
	for k, v := range task.Payload {
		payload[k] = v
	}
	payload["report_id"] = task.ReportID

	body, err := json.Marshal(payload)
	if err != nil {
		reporter.ReportFailed(task.TaskID, fmt.Sprintf("failed to encode task payload: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.localAPIURL+endpoint, bytes.NewReader(body))
	if err != nil {
		reporter.ReportFailed(task.TaskID, fmt.Sprintf("failed to build local API request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	e.logger.Info("dispatching task to local API",
		zap.String("task_id", task.TaskID),
		zap.String("action", task.Action),
		zap.String("endpoint", endpoint),
	)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			reporter.ReportFailed(task.TaskID, "cancelled by orchestrator")
			return
		}
		reporter.ReportFailed(task.TaskID, fmt.Sprintf("local API request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		reporter.ReportFailed(task.TaskID, fmt.Sprintf("failed to read local API response: %v", err))
		return
	}

	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			reporter.ReportFailed(task.TaskID, fmt.Sprintf("local API returned non-JSON response: %v", err))
			return
		}
	}

	if resp.StatusCode >= 400 {
		message := fmt.Sprintf("local API returned status %d", resp.StatusCode)
		if msg, ok := result["error"].(string); ok && msg != "" {
			message = msg
		}
		reporter.ReportFailed(task.TaskID, message)
		return
	}

	e.logger.Info("task completed", zap.String("task_id", task.TaskID))
	reporter.ReportComplete(task.TaskID, result)
}
