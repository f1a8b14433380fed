// Package metrics provides Prometheus metrics for the call flow and the
// enrichment pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal counts completed call sessions by kind.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbook_calls_total",
		Help: "Total number of completed call sessions, by kind.",
	}, []string{"kind"})

	// RecordingsSavedTotal counts recordings that passed validation.
	RecordingsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookbook_recordings_saved_total",
		Help: "Total number of recordings kept after validation.",
	})

	// RecordingsDiscardedTotal counts junk recordings by reason.
	RecordingsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbook_recordings_discarded_total",
		Help: "Total number of recordings discarded, by reason.",
	}, []string{"reason"})

	// GestureActivationsTotal counts record-greeting gesture activations.
	GestureActivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookbook_gesture_activations_total",
		Help: "Total number of record-greeting gesture activations.",
	})

	// EnrichmentJobsTotal counts enrichment job outcomes.
	EnrichmentJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbook_enrichment_jobs_total",
		Help: "Total number of enrichment job outcomes, by result.",
	}, []string{"result"})

	// CallActive tracks whether a call session is active.
	CallActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookbook_call_active",
		Help: "1 while a call session is active, 0 while idle.",
	})

	// EnrichmentQueueDepth tracks the in-memory enrichment backlog.
	EnrichmentQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookbook_enrichment_queue_depth",
		Help: "Current number of jobs waiting in the enrichment queue.",
	})

	// EnrichmentProcessing tracks whether a job is being processed.
	EnrichmentProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookbook_enrichment_processing",
		Help: "1 while an enrichment job is being processed, 0 otherwise.",
	})
)
