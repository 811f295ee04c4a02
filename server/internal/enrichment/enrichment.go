// Package enrichment runs a background decision loop that keeps idle
// crunchbase workers busy with low-priority database enrichment work
// pulled from the backend, whenever no user-submitted crunchbase tasks
// are waiting. It freezes the moment a real request needs a worker and
// resumes once the queue drains.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/taskmesh/orchestrator/server/internal/queue"
	"github.com/taskmesh/orchestrator/server/internal/registry"
	"github.com/taskmesh/orchestrator/shared/types"
)

// enrichmentAPIType is the only worker kind enrichment currently targets;
// crunchbase exposes the keyword-driven enrichment surface.
const enrichmentAPIType = "crunchbase"

// daysThreshold skips companies scraped within this many days.
const daysThreshold = 180

const checkInterval = 30 * time.Second
const errorBackoff = 60 * time.Second

// Manager decides when to dispatch enrichment tasks and reports their
// outcome back to the backend.
type Manager struct {
	client       *http.Client
	backendURL   string
	registry     *registry.Registry
	queue        *queue.Queue
	logger       *zap.Logger
	cron         gocron.Scheduler
	currentTask  string
}

// New constructs a Manager. backendURL is the admin API base, e.g.
// "http://backend:8000/api/admin".
func New(backendURL string, reg *registry.Registry, q *queue.Queue, logger *zap.Logger) (*Manager, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Manager{
		client:     &http.Client{Timeout: 10 * time.Second},
		backendURL: backendURL,
		registry:   reg,
		queue:      q,
		logger:     logger.Named("enrichment"),
		cron:       cron,
	}, nil
}

// Start begins the 30-second decision loop.
func (m *Manager) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(checkInterval),
		gocron.NewTask(func() { m.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("enrichment manager started")
	return nil
}

// Stop shuts down the decision loop.
func (m *Manager) Stop() error {
	err := m.cron.Shutdown()
	m.logger.Info("enrichment manager stopped")
	return err
}

func (m *Manager) tick(ctx context.Context) {
	should, err := m.shouldEnrich(ctx)
	if err != nil {
		m.logger.Warn("enrichment status check failed", zap.Error(err))
		return
	}
	if !should {
		return
	}
	m.dispatchNext(ctx)
}

// shouldEnrich reports whether conditions permit dispatching an
// enrichment task: no pending crunchbase tasks, at least one idle
// crunchbase worker, and the backend not reporting itself paused or dry.
func (m *Manager) shouldEnrich(ctx context.Context) (bool, error) {
	stats := m.queue.StatsForType(ctx, enrichmentAPIType)
	if stats.Pending > 0 {
		m.logger.Debug("skipping enrichment, backend tasks pending", zap.Int("pending", stats.Pending))
		return false, nil
	}

	if len(m.registry.GetIdle(enrichmentAPIType)) == 0 {
		m.logger.Debug("skipping enrichment, no idle crunchbase workers")
		return false, nil
	}

	var status struct {
		IsPaused     bool `json:"is_paused"`
		PendingCount int  `json:"pending_count"`
	}
	if err := m.getJSON(ctx, m.backendURL+"/enrichment/internal/status/", &status); err != nil {
		return false, err
	}
	if status.IsPaused {
		m.logger.Debug("skipping enrichment, paused by backend")
		return false, nil
	}
	if status.PendingCount == 0 {
		m.logger.Debug("skipping enrichment, no pending keywords")
		return false, nil
	}
	return true, nil
}

type keyword struct {
	ID            int    `json:"id"`
	Keyword       string `json:"keyword"`
	NumCompanies  int    `json:"num_companies"`
}

// dispatchNext fetches the next pending keyword and enqueues a
// low-priority enrichment task for it.
func (m *Manager) dispatchNext(ctx context.Context) {
	var keywords []keyword
	if err := m.getJSON(ctx, m.backendURL+"/enrichment/internal/keywords/", &keywords); err != nil {
		m.logger.Error("failed to fetch enrichment keywords", zap.Error(err))
		return
	}
	if len(keywords) == 0 {
		return
	}
	kw := keywords[0]
	numCompanies := kw.NumCompanies
	if numCompanies == 0 {
		numCompanies = 50
	}

	m.logger.Info("dispatching enrichment", zap.String("keyword", kw.Keyword))
	m.notifyBackend(ctx, kw.ID, "start", nil)

	task, err := m.queue.Enqueue(ctx, types.TaskSubmission{
		APIType:  enrichmentAPIType,
		Action:   "enrich",
		ReportID: fmt.Sprintf("enrichment-%d", kw.ID),
		Payload: map[string]any{
			"keywords":               []string{kw.Keyword},
			"num_companies":          numCompanies,
			"days_threshold":         daysThreshold,
			"enrichment_keyword_id":  kw.ID,
		},
		Priority: -10,
		Source:   types.SourceEnrichment,
	})
	if err != nil {
		m.logger.Error("failed to enqueue enrichment task", zap.Error(err))
		return
	}

	m.currentTask = task.TaskID
	m.logger.Info("enrichment task queued", zap.String("task_id", task.TaskID), zap.String("keyword", kw.Keyword))
}

// OnTaskComplete satisfies statusrelay.EnrichmentHook. It reports
// per-keyword results back to the backend.
func (m *Manager) OnTaskComplete(ctx context.Context, task types.Task) {
	keywordID, ok := task.Payload["enrichment_keyword_id"]
	if !ok {
		return
	}

	summary, _ := task.Result["summary"].(map[string]any)
	companiesFound := 0
	if summary != nil {
		if v, ok := summary["total_companies_found"].(float64); ok {
			companiesFound = int(v)
		}
	}

	companiesScraped := 0
	if results, ok := task.Result["results"].([]any); ok {
		for _, r := range results {
			rm, ok := r.(map[string]any)
			if !ok || rm["status"] != "success" {
				continue
			}
			if c, ok := rm["count"].(float64); ok {
				companiesScraped += int(c)
			}
		}
	}

	m.notifyBackend(ctx, toInt(keywordID), "complete", map[string]any{
		"task_id":            task.TaskID,
		"companies_found":    companiesFound,
		"companies_scraped":  companiesScraped,
		"companies_skipped":  0,
	})

	if task.TaskID == m.currentTask {
		m.currentTask = ""
	}
}

// OnTaskFailed satisfies statusrelay.EnrichmentHook.
func (m *Manager) OnTaskFailed(ctx context.Context, task types.Task) {
	if keywordID, ok := task.Payload["enrichment_keyword_id"]; ok {
		m.notifyBackend(ctx, toInt(keywordID), "error", map[string]any{
			"task_id":       task.TaskID,
			"error_message": task.Error,
		})
	}
	if task.TaskID == m.currentTask {
		m.currentTask = ""
	}
}

func (m *Manager) notifyBackend(ctx context.Context, keywordID int, action string, extra map[string]any) {
	payload := map[string]any{"keyword_id": keywordID, "action": action}
	for k, v := range extra {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.backendURL+"/enrichment/callback/", bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("failed to notify backend of enrichment status", zap.Error(err))
		return
	}
	defer resp.Body.Close()
}

func (m *Manager) getJSON(ctx context.Context, url string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
