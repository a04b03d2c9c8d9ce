// Package metrics exposes Prometheus instrumentation for the execution
// pipeline. All collectors are registered on the default registry and served
// through the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts pipeline invocations by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quirk_runs_total",
		Help: "Total pipeline runs by outcome.",
	}, []string{"status"})

	// ActiveRuns tracks pipelines currently in flight (0 or 1 per board server).
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quirk_active_runs",
		Help: "Number of pipeline runs currently executing.",
	})

	// NodeExecutions counts individual node executions by kind and outcome.
	NodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quirk_node_executions_total",
		Help: "Total node executions by node kind and outcome.",
	}, []string{"kind", "status"})

	// NodeDuration observes per-node execution time.
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quirk_node_duration_seconds",
		Help:    "Node execution duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.005, 3, 10),
	}, []string{"kind"})

	// LLMChunks counts streamed LLM chunks delivered to the result channel.
	LLMChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quirk_llm_chunks_total",
		Help: "Total LLM stream chunks processed.",
	})

	// FilesSaved counts artifacts written by save nodes and scripts.
	FilesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quirk_files_saved_total",
		Help: "Total files written to the downloads directory.",
	})
)
