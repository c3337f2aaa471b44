package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookwatch_webhooks_received_total",
		Help: "Total number of inbound webhook requests, labelled by outcome.",
	}, []string{"outcome"})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hookwatch_ingest_duration_ms",
		Help:    "End-to-end ingestion latency in milliseconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	RecordUseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookwatch_record_use_failures_total",
		Help: "Total number of path counter updates that failed and were skipped.",
	})

	SubscribersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookwatch_subscribers_connected",
		Help: "Current number of open real-time connections.",
	})

	SubscribersAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookwatch_subscribers_authenticated",
		Help: "Current number of real-time connections bound to a user channel.",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookwatch_events_published_total",
		Help: "Total number of events handed to the fan-out hub.",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookwatch_events_delivered_total",
		Help: "Total number of event copies queued to subscriber connections.",
	})

	SubscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookwatch_subscribers_evicted_total",
		Help: "Total number of subscribers disconnected because their send buffer was full.",
	})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookwatch_auth_failures_total",
		Help: "Total number of rejected credentials, labelled by surface (api, realtime).",
	}, []string{"surface"})

	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookwatch_reconcile_runs_total",
		Help: "Total number of counter reconciliation sweeps.",
	})

	PathsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookwatch_paths_reconciled_total",
		Help: "Total number of path counters recomputed, labelled by status.",
	}, []string{"status"})

	ReconcileQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookwatch_reconcile_queue_utilization_ratio",
		Help: "Current reconcile work queue utilization (0-1).",
	})
)
