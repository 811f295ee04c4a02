package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/queue"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/server/internal/store"
	"github.com/taskmesh/orchestrator/shared/types"
)

type fakeSender struct{}

func (f *fakeSender) SendFrame(types.Frame) error { return nil }
func (f *fakeSender) Close()                      {}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewRedisFromClient(client)
	logger := zap.NewNop()
	reg := registry.New(st, nil, time.Minute, 3*time.Minute, logger, nil)
	q := queue.New(st, reg, time.Hour, 3, logger)

	return &Handlers{Queue: q, Registry: reg, APITypes: []string{"crunchbase", "tracxn", "social"}, Logger: logger}
}

func newTestRouter(t *testing.T, h *Handlers) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Post("/tasks/submit", h.SubmitTask)
	r.Get("/tasks/{task_id}", h.GetTask)
	r.Delete("/tasks/{task_id}", h.CancelTask)
	r.Delete("/tasks/pending", h.CancelPendingTasks)
	r.Get("/workers", h.ListWorkers)
	r.Get("/workers/{api_type}/stats", h.WorkerStats)
	r.Get("/queue/stats", h.QueueStats)
	return r
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitAndGetTask(t *testing.T) {
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	body := `{"api_type":"crunchbase","action":"search_with_rank","report_id":"r1","priority":5}`
	req := httptest.NewRequest(http.MethodPost, "/tasks/submit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data types.Task `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotEmpty(t, created.Data.TaskID)

	req2 := httptest.NewRequest(http.MethodGet, "/tasks/"+created.Data.TaskID, nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestSubmitTaskRejectsUnknownAPIType(t *testing.T) {
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	body := `{"api_type":"unknown","action":"x","report_id":"r1"}`
	req := httptest.NewRequest(http.MethodPost, "/tasks/submit", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRunningTaskReportsUncancellable(t *testing.T) {
	ctx := context.Background()
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	h.Registry.Register(ctx, "crunchbase", nil, &fakeSender{})
	task, err := h.Queue.Enqueue(ctx, types.TaskSubmission{APIType: "crunchbase", Action: "x", ReportID: "r1"})
	require.NoError(t, err)
	_, _, ok := h.Queue.AssignNext(ctx, "crunchbase")
	require.True(t, ok)
	h.Queue.MarkRunning(ctx, task.TaskID)

	req := httptest.NewRequest(http.MethodDelete, "/tasks/"+task.TaskID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Cancelled bool `json:"cancelled"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Data.Cancelled)
}

func TestCancelPendingTaskSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	task, err := h.Queue.Enqueue(ctx, types.TaskSubmission{APIType: "crunchbase", Action: "x", ReportID: "r1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/tasks/"+task.TaskID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Cancelled bool `json:"cancelled"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Data.Cancelled)

	// Cancelling again is idempotent: still reports cancelled:true.
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, httptest.NewRequest(http.MethodDelete, "/tasks/"+task.TaskID, nil))
	require.Equal(t, http.StatusOK, rec2.Code)
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&resp))
	require.True(t, resp.Data.Cancelled)
}

func TestListWorkersFiltersByAPIType(t *testing.T) {
	ctx := context.Background()
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	h.Registry.Register(ctx, "crunchbase", nil, &fakeSender{})
	h.Registry.Register(ctx, "tracxn", nil, &fakeSender{})

	req := httptest.NewRequest(http.MethodGet, "/workers?api_type=crunchbase", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []types.Worker `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "crunchbase", resp.Data[0].APIType)
}

func TestQueueStatsEndpoint(t *testing.T) {
	ctx := context.Background()
	h := newTestHandlers(t)
	r := newTestRouter(t, h)

	_, err := h.Queue.Enqueue(ctx, types.TaskSubmission{APIType: "crunchbase", Action: "x", ReportID: "r1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
