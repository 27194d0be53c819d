// Package metrics defines the Prometheus collectors for the indexing
// pipeline, the lock and the knowledge port, and serves them for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage results recorded in StageItems.
const (
	ResultProcessed = "processed"
	ResultFiltered  = "filtered"
	ResultFailed    = "failed"
	ResultPaused    = "paused"
)

// Metrics holds every collector used by tributary.
type Metrics struct {
	StageItems        *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	ChangesTotal      *prometheus.CounterVec
	LockWaits         *prometheus.CounterVec
	StoreRetries      prometheus.Counter
	KnowledgeResponse *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg gets a
// private registry, which keeps tests independent of each other.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		StageItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tributary_stage_items_total",
				Help: "Items handled per pipeline stage by result (processed, filtered, failed, paused).",
			},
			[]string{"stage", "result"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tributary_stage_duration_seconds",
				Help:    "Per-item processing time per stage.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"stage"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tributary_queue_depth",
				Help: "Buffered envelopes waiting in each stage queue.",
			},
			[]string{"queue"},
		),
		ChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tributary_changes_total",
				Help: "Change records emitted by origin (scan, watch, manual) and kind.",
			},
			[]string{"origin", "kind"},
		),
		LockWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tributary_llm_lock_waits_total",
				Help: "LLM lock checks by stage and outcome (free, acquired_after_wait, gave_up).",
			},
			[]string{"stage", "outcome"},
		),
		StoreRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tributary_store_write_failures_total",
				Help: "Per-file store writes that failed after all retries.",
			},
		),
		KnowledgeResponse: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tributary_knowledge_response_bytes",
				Help:    "Serialized knowledge port response size.",
				Buckets: prometheus.ExponentialBuckets(256, 2, 10),
			},
			[]string{"op"},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.StageItems,
		m.StageDuration,
		m.QueueDepth,
		m.ChangesTotal,
		m.LockWaits,
		m.StoreRetries,
		m.KnowledgeResponse,
	)
	return m
}

// Handler returns the scrape handler for the registry m was created with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
