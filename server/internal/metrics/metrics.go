// Package metrics exposes orchestrator-wide gauges on GET /metrics: worker
// population by api_type and status, and queue depth by api_type. Values
// are computed live on every scrape rather than cached, since the
// registry and queue already hold the authoritative counts.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/orchestrator/shared/types"
)

// Snapshot returns the current worker and queue state. Implemented by
// wiring a closure over *registry.Registry and *queue.Queue in main.go,
// so this package depends on neither directly.
type Snapshot func(ctx context.Context) (workers map[string]types.WorkerStats, queuePending map[string]int)

// Collector implements prometheus.Collector by querying the registry and
// queue directly on every scrape.
type Collector struct {
	workersDesc *prometheus.Desc
	queueDesc   *prometheus.Desc
	snapshot    Snapshot
}

// New builds a Collector over the given snapshot function.
func New(snapshot Snapshot) *Collector {
	return &Collector{
		workersDesc: prometheus.NewDesc(
			"taskmesh_workers",
			"Connected worker count by api_type and status.",
			[]string{"api_type", "status"}, nil,
		),
		queueDesc: prometheus.NewDesc(
			"taskmesh_queue_pending",
			"Pending task count by api_type.",
			[]string{"api_type"}, nil,
		),
		snapshot: snapshot,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workersDesc
	ch <- c.queueDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	workers, queuePending := c.snapshot(context.Background())

	for apiType, w := range workers {
		ch <- prometheus.MustNewConstMetric(c.workersDesc, prometheus.GaugeValue, float64(w.Idle), apiType, "idle")
		ch <- prometheus.MustNewConstMetric(c.workersDesc, prometheus.GaugeValue, float64(w.Working), apiType, "working")
		ch <- prometheus.MustNewConstMetric(c.workersDesc, prometheus.GaugeValue, float64(w.Offline), apiType, "offline")
	}
	for apiType, pending := range queuePending {
		ch <- prometheus.MustNewConstMetric(c.queueDesc, prometheus.GaugeValue, float64(pending), apiType)
	}
}
