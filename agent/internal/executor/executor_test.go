package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingReporter struct {
	running  []string
	complete []map[string]any
	failed   []string
}

func (r *recordingReporter) ReportRunning(taskID string) { r.running = append(r.running, taskID) }
func (r *recordingReporter) ReportComplete(taskID string, result map[string]any) {
	r.complete = append(r.complete, result)
}
func (r *recordingReporter) ReportFailed(taskID string, message string) {
	r.failed = append(r.failed, message)
}

func TestExecuteSuccessIncludesReportID(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search/crunchbase/top-similar-with-rank", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"matches": []string{"acme"}})
	}))
	defer srv.Close()

	e := New(srv.URL, zap.NewNop())
	rep := &recordingReporter{}

	e.Execute(context.Background(), Task{
		TaskID:   "t1",
		ReportID: "r1",
		APIType:  "crunchbase",
		Action:   "search_with_rank",
		Payload:  map[string]any{"company": "Acme"},
	}, rep)

	require.Equal(t, "r1", gotBody["report_id"])
	require.Equal(t, "Acme", gotBody["company"])
	require.Len(t, rep.running, 1)
	require.Len(t, rep.complete, 1)
	require.Empty(t, rep.failed)
}

func TestExecuteHTTPErrorReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{"error": "upstream scraper unavailable"})
	}))
	defer srv.Close()

	e := New(srv.URL, zap.NewNop())
	rep := &recordingReporter{}

	e.Execute(context.Background(), Task{TaskID: "t2", ReportID: "r2", APIType: "crunchbase", Action: "health"}, rep)

	require.Len(t, rep.failed, 1)
	require.Equal(t, "upstream scraper unavailable", rep.failed[0])
}

func TestExecuteCancelledContextReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, zap.NewNop())
	rep := &recordingReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.Execute(ctx, Task{TaskID: "t3", ReportID: "r3", APIType: "crunchbase", Action: "health"}, rep)

	require.Len(t, rep.failed, 1)
}
