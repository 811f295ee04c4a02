package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListWorkers handles GET /workers, optionally filtered by ?api_type=.
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	apiType := r.URL.Query().Get("api_type")

	var workers []any
	if apiType != "" {
		for _, wk := range h.Registry.GetByType(apiType) {
			workers = append(workers, wk)
		}
	} else {
		for _, wk := range h.Registry.GetAll() {
			workers = append(workers, wk)
		}
	}
	if workers == nil {
		workers = []any{}
	}

	Ok(w, workers)
}

// WorkerStats handles GET /workers/{api_type}/stats.
func (h *Handlers) WorkerStats(w http.ResponseWriter, r *http.Request) {
	apiType := chi.URLParam(r, "api_type")
	if !h.validAPIType(apiType) {
		ErrNotFound(w)
		return
	}

	stats := h.Registry.Stats(apiType)[apiType]
	stats.APIType = apiType
	Ok(w, stats)
}

// QueueStats handles GET /queue/stats.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.Queue.Stats(r.Context()))
}
