// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_executions_total",
			Help: "Total number of executions processed by the engine",
		},
		[]string{"mode", "status"},
	)
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "golem_execution_duration_milliseconds",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 30000, 60000},
		},
		[]string{"mode"},
	)
	GuardrailViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_guardrail_violations_total",
			Help: "Total number of guardrail violations by reason",
		},
		[]string{"reason"},
	)
	CompilationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_compilations_total",
			Help: "Total number of blueprint compilations",
		},
		[]string{"status"},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_cache_lookups_total",
			Help: "Compilation cache lookups by outcome",
		},
		[]string{"outcome"},
	)
	ToolDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_tool_dispatches_total",
			Help: "Total number of tool dispatches",
		},
		[]string{"tool", "status"},
	)
	ModelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_model_calls_total",
			Help: "Total number of model provider calls",
		},
		[]string{"provider", "status"},
	)
)

func init() {
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(GuardrailViolations)
	prometheus.MustRegister(CompilationsTotal)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(ToolDispatches)
	prometheus.MustRegister(ModelCalls)
}
