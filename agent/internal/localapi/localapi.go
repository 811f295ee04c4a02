// Package localapi hosts the small HTTP receiver the agent exposes to its
// wrapped scraper: a side channel the scraper calls to push intermediate
// progress for the task currently in flight, independent of the scraper's
// own (possibly hours-long) request/response cycle.
package localapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StatusSink receives an intermediate progress update from the local
// scraper. Implemented by the session client; emission is fire-and-forget.
type StatusSink interface {
	EmitStatus(taskID, stepKey, detailType, message string, data map[string]any)
}

type statusUpdate struct {
	TaskID     string         `json:"task_id"`
	StepKey    string         `json:"step_key"`
	DetailType string         `json:"detail_type"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

// Server is the local status receiver.
type Server struct {
	sink   StatusSink
	logger *zap.Logger
}

// New builds a Server that forwards received updates to sink.
func New(sink StatusSink, logger *zap.Logger) *Server {
	return &Server{sink: sink, logger: logger.Named("localapi")}
}

// Router builds the chi mux exposing the status push endpoint.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/status", s.handleStatus)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var update statusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid status payload", http.StatusBadRequest)
		return
	}

	if update.TaskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	s.sink.EmitStatus(update.TaskID, update.StepKey, update.DetailType, update.Message, update.Data)
	w.WriteHeader(http.StatusAccepted)
}
