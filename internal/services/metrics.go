// Package services: pipeline metrics.
//
// Prometheus collectors for the conversation pipeline. Label cardinality is
// kept bounded: outcome/reason enums only, never conversation keys or message
// ids.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// inboundTotal counts webhook fragments by outcome: accepted, duplicate,
	// or invalid.
	inboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_inbound_total",
			Help: "Inbound webhook fragments by outcome.",
		},
		[]string{"outcome"},
	)

	// flushTotal counts flushed batches.
	flushTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_flush_total",
			Help: "Aggregated batches flushed to the NLU stage.",
		},
	)

	// flushSize records fragments per flushed batch.
	flushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_flush_fragments",
			Help:    "Number of fragments per flushed batch.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	// nluCalls counts detect-intent attempts by result: ok, retried, failed.
	nluCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_nlu_attempts_total",
			Help: "Detect-intent attempts by result.",
		},
		[]string{"result"},
	)

	// handoffTotal counts detected handoff requests by trigger: hint or param.
	handoffTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_handoff_total",
			Help: "Detected human-handoff requests by trigger.",
		},
		[]string{"trigger"},
	)

	// dispatchTotal counts outbound dispatch outcomes: sent, duplicate,
	// failed, suppressed.
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_dispatch_total",
			Help: "Outbound dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(inboundTotal, flushTotal, flushSize, nluCalls, handoffTotal, dispatchTotal)
}
