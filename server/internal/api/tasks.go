package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/shared/types"
)

// SubmitTask handles POST /tasks/submit: validates the submission and
// enqueues it for its api_type's priority queue.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub types.TaskSubmission
	if !decodeJSON(w, r, &sub) {
		return
	}

	if sub.APIType == "" || sub.Action == "" || sub.ReportID == "" {
		ErrBadRequest(w, "api_type, action, and report_id are required")
		return
	}
	if !h.validAPIType(sub.APIType) {
		ErrUnprocessable(w, "unknown api_type: "+sub.APIType)
		return
	}

	task, err := h.Queue.Enqueue(r.Context(), sub)
	if err != nil {
		h.Logger.Error("failed to enqueue task", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, task)
}

// GetTask handles GET /tasks/{task_id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, ok := h.Queue.GetTask(r.Context(), taskID)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, task)
}

// CancelTask handles DELETE /tasks/{task_id}, returning
// {"data": {"cancelled": bool}}.
// Pending and assigned tasks are cancelled outright. A task already
// cancelled is idempotent and reports cancelled:true without re-running the
// cancellation. Running tasks, and tasks already completed or failed,
// cannot be cancelled and report cancelled:false.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	task, ok := h.Queue.GetTask(r.Context(), taskID)
	if !ok {
		ErrNotFound(w)
		return
	}

	if task.Status == types.TaskCancelled {
		Ok(w, envelope{"cancelled": true})
		return
	}

	Ok(w, envelope{"cancelled": h.Queue.Cancel(r.Context(), taskID)})
}

// CancelPendingTasks handles DELETE /tasks/pending?api_type=crunchbase.
func (h *Handlers) CancelPendingTasks(w http.ResponseWriter, r *http.Request) {
	apiType := r.URL.Query().Get("api_type")
	if apiType == "" || !h.validAPIType(apiType) {
		ErrBadRequest(w, "api_type query parameter is required and must be a known worker type")
		return
	}

	count := h.Queue.CancelPending(r.Context(), apiType)
	Ok(w, envelope{"cancelled": count})
}

func (h *Handlers) validAPIType(apiType string) bool {
	for _, t := range h.APITypes {
		if t == apiType {
			return true
		}
	}
	return false
}
