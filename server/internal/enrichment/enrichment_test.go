package enrichment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

func newTestEnv(t *testing.T) (*registry.Registry, *queue.Queue) {
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
	return reg, q
}

func TestShouldEnrichFalseWhenBackendTasksPending(t *testing.T) {
	ctx := context.Background()
	reg, q := newTestEnv(t)
	reg.Register(ctx, "crunchbase", nil, &fakeSender{})
	_, err := q.Enqueue(ctx, types.TaskSubmission{APIType: "crunchbase", Action: "search", ReportID: "r1"})
	require.NoError(t, err)

	mgr, err := New("http://unused", reg, q, zap.NewNop())
	require.NoError(t, err)

	should, err := mgr.shouldEnrich(ctx)
	require.NoError(t, err)
	require.False(t, should)
}

func TestShouldEnrichFalseWhenNoIdleWorkers(t *testing.T) {
	ctx := context.Background()
	reg, q := newTestEnv(t)

	mgr, err := New("http://unused", reg, q, zap.NewNop())
	require.NoError(t, err)

	should, err := mgr.shouldEnrich(ctx)
	require.NoError(t, err)
	require.False(t, should)
}

func TestShouldEnrichTrueWhenBackendHasPendingKeywords(t *testing.T) {
	ctx := context.Background()
	reg, q := newTestEnv(t)
	reg.Register(ctx, "crunchbase", nil, &fakeSender{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"is_paused": false, "pending_count": 3})
	}))
	defer srv.Close()

	mgr, err := New(srv.URL, reg, q, zap.NewNop())
	require.NoError(t, err)

	should, err := mgr.shouldEnrich(ctx)
	require.NoError(t, err)
	require.True(t, should)
}

func TestDispatchNextEnqueuesLowPriorityEnrichmentTask(t *testing.T) {
	ctx := context.Background()
	reg, q := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/enrichment/internal/keywords/":
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 42, "keyword": "fintech startups", "num_companies": 25},
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	mgr, err := New(srv.URL, reg, q, zap.NewNop())
	require.NoError(t, err)

	mgr.dispatchNext(ctx)

	stats := q.StatsForType(ctx, "crunchbase")
	require.Equal(t, 1, stats.Pending)
	require.NotEmpty(t, mgr.currentTask)
}

func TestOnTaskCompleteNotifiesBackendAndClearsCurrentTask(t *testing.T) {
	ctx := context.Background()
	reg, q := newTestEnv(t)

	var gotAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotAction, _ = body["action"].(string)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, err := New(srv.URL, reg, q, zap.NewNop())
	require.NoError(t, err)
	mgr.currentTask = "task-1"

	mgr.OnTaskComplete(ctx, types.Task{
		TaskID:  "task-1",
		Payload: map[string]any{"enrichment_keyword_id": float64(7)},
		Result: map[string]any{
			"summary": map[string]any{"total_companies_found": float64(10)},
			"results": []any{map[string]any{"status": "success", "count": float64(10)}},
		},
	})

	require.Equal(t, "complete", gotAction)
	require.Empty(t, mgr.currentTask)
}
