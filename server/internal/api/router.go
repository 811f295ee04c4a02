package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/queue"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/server/internal/session"
)

// Handlers holds every dependency the HTTP surface needs.
type Handlers struct {
	Queue    *queue.Queue
	Registry *registry.Registry
	APITypes []string
	Logger   *zap.Logger
}

// RouterConfig holds all dependencies needed to build the HTTP router.
type RouterConfig struct {
	Handlers       *Handlers
	SessionHandler *session.Handler
	Logger         *zap.Logger
}

// NewRouter builds the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	h := cfg.Handlers

	r.Get("/health", h.Health)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/worker", cfg.SessionHandler.ServeWorker)

	r.Post("/tasks/submit", h.SubmitTask)
	r.Get("/tasks/{task_id}", h.GetTask)
	r.Delete("/tasks/{task_id}", h.CancelTask)
	r.Delete("/tasks/pending", h.CancelPendingTasks)

	r.Get("/workers", h.ListWorkers)
	r.Get("/workers/{api_type}/stats", h.WorkerStats)

	r.Get("/queue/stats", h.QueueStats)

	return r
}
