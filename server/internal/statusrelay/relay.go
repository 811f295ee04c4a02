// Package statusrelay forwards worker-emitted status frames to the
// control plane over a short-timeout HTTP POST and wires terminal task
// outcomes back into the enrichment manager. Delivery is fire-and-forget:
// failures are logged, never retried or propagated to the caller.
package statusrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/shared/types"
)

const relayTimeout = 5 * time.Second

// EnrichmentHook is implemented by the enrichment manager so the relay can
// notify it of terminal outcomes for enrichment-sourced tasks without
// statusrelay importing the enrichment package.
type EnrichmentHook interface {
	OnTaskComplete(ctx context.Context, task types.Task)
	OnTaskFailed(ctx context.Context, task types.Task)
}

// Relay forwards status frames and terminal task transitions to the
// control plane.
type Relay struct {
	client     *http.Client
	statusURL  string
	logger     *zap.Logger
	enrichment EnrichmentHook
}

// New constructs a Relay posting to statusURL.
func New(statusURL string, logger *zap.Logger) *Relay {
	return &Relay{
		client:    &http.Client{Timeout: relayTimeout},
		statusURL: statusURL,
		logger:    logger.Named("statusrelay"),
	}
}

// SetEnrichmentHook wires the enrichment manager in after construction,
// avoiding an import cycle between statusrelay and enrichment.
func (r *Relay) SetEnrichmentHook(hook EnrichmentHook) {
	r.enrichment = hook
}

type statusPayload struct {
	TaskID     string         `json:"task_id"`
	ReportID   string         `json:"report_id"`
	StepKey    string         `json:"step_key,omitempty"`
	DetailType string         `json:"detail_type,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Forward posts a non-terminal status frame to the control plane.
// Fire-and-forget: failures are logged, never propagated or retried.
func (r *Relay) Forward(ctx context.Context, frame types.Frame) {
	payload := statusPayload{
		TaskID:     frame.TaskID,
		ReportID:   frame.ReportID,
		StepKey:    frame.StepKey,
		DetailType: frame.DetailType,
		Message:    frame.Message,
		Data:       frame.Data,
	}

	if err := r.post(ctx, r.statusURL, payload); err != nil {
		r.logger.Warn("status relay failed", zap.String("task_id", frame.TaskID), zap.Error(err))
	}
}

// OnTaskTerminal is invoked by the session handler when a worker's complete
// or error frame leaves a task in a terminal state. Terminal transitions
// from cancellation, dispatch failure or heartbeat timeout do not pass
// through here, so the enrichment hook is not told about them.
// Non-enrichment tasks are not otherwise reported here — submitters
// observe terminal state via GET /tasks/{id}.
func (r *Relay) OnTaskTerminal(ctx context.Context, task types.Task) {
	if r.enrichment == nil || task.Source != types.SourceEnrichment {
		return
	}
	switch task.Status {
	case types.TaskCompleted:
		r.enrichment.OnTaskComplete(ctx, task)
	case types.TaskFailed, types.TaskCancelled:
		r.enrichment.OnTaskFailed(ctx, task)
	}
}

func (r *Relay) post(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal relay payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay returned non-2xx status %d", resp.StatusCode)
	}
	return nil
}
