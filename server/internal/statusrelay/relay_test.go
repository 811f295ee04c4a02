package statusrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/shared/types"
)

func TestForwardPostsFrameFields(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.URL, zap.NewNop())
	r.Forward(context.Background(), types.Frame{
		TaskID:     "t1",
		ReportID:   "r1",
		StepKey:    "search",
		DetailType: "progress",
		Message:    "halfway done",
	})

	require.Equal(t, "t1", received["task_id"])
	require.Equal(t, "r1", received["report_id"])
	require.Equal(t, "search", received["step_key"])
	require.Equal(t, "halfway done", received["message"])
}

func TestForwardSurvivesUnreachableBackend(t *testing.T) {
	r := New("http://127.0.0.1:1", zap.NewNop())
	require.NotPanics(t, func() {
		r.Forward(context.Background(), types.Frame{TaskID: "t1"})
	})
}

type fakeEnrichmentHook struct {
	completed, failed []types.Task
}

func (f *fakeEnrichmentHook) OnTaskComplete(ctx context.Context, task types.Task) {
	f.completed = append(f.completed, task)
}
func (f *fakeEnrichmentHook) OnTaskFailed(ctx context.Context, task types.Task) {
	f.failed = append(f.failed, task)
}

func TestOnTaskTerminalOnlyNotifiesEnrichmentSourcedTasks(t *testing.T) {
	r := New("http://unused", zap.NewNop())
	hook := &fakeEnrichmentHook{}
	r.SetEnrichmentHook(hook)

	r.OnTaskTerminal(context.Background(), types.Task{TaskID: "user-task", Source: types.SourceUser, Status: types.TaskCompleted})
	require.Empty(t, hook.completed)

	r.OnTaskTerminal(context.Background(), types.Task{TaskID: "enrich-task", Source: types.SourceEnrichment, Status: types.TaskCompleted})
	require.Len(t, hook.completed, 1)
	require.Equal(t, "enrich-task", hook.completed[0].TaskID)

	r.OnTaskTerminal(context.Background(), types.Task{TaskID: "enrich-task-2", Source: types.SourceEnrichment, Status: types.TaskFailed})
	require.Len(t, hook.failed, 1)
}
