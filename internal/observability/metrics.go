package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the gateway:
//   - model call latency, outcome, and token consumption per provider
//   - tool execution patterns and latencies
//   - sanitizer repairs, so transcript drift is visible before it hurts
//   - compaction outcomes and the tokens they reclaim
//   - session store operation latency per backend
type Metrics struct {
	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// TranscriptRepairCounter counts sanitizer interventions.
	// Labels: provider, kind (orphan_call|orphan_result|merge|truncation)
	TranscriptRepairCounter *prometheus.CounterVec

	// CompactionCounter counts compaction attempts.
	// Labels: status (success|noop|error)
	CompactionCounter *prometheus.CounterVec

	// CompactionReclaimedTokens totals the estimated tokens folded into
	// summaries.
	CompactionReclaimedTokens prometheus.Counter

	// ActiveRuns gauges runs currently streaming.
	// Labels: provider
	ActiveRuns *prometheus.GaugeVec

	// StoreOpDuration measures session store operation latency.
	// Labels: backend (memory|file|sqlite), operation
	StoreOpDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (run|provider|store|compaction), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics on reg. Tests pass a fresh registry
// to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mastraclaw_llm_request_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mastraclaw_llm_requests_total",
				Help: "Total number of model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mastraclaw_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mastraclaw_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mastraclaw_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		TranscriptRepairCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mastraclaw_transcript_repairs_total",
				Help: "Total number of sanitizer repairs by provider and kind",
			},
			[]string{"provider", "kind"},
		),
		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mastraclaw_compactions_total",
				Help: "Total number of compaction attempts by status",
			},
			[]string{"status"},
		),
		CompactionReclaimedTokens: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mastraclaw_compaction_reclaimed_tokens_total",
				Help: "Estimated tokens folded into compaction summaries",
			},
		),
		ActiveRuns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mastraclaw_active_runs",
				Help: "Runs currently streaming by provider",
			},
			[]string{"provider"},
		),
		StoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mastraclaw_store_op_duration_seconds",
				Help:    "Duration of session store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"backend", "operation"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mastraclaw_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLLMRequest records one model call's outcome, latency, and usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordTranscriptRepair records one sanitizer intervention.
func (m *Metrics) RecordTranscriptRepair(provider, kind string) {
	m.TranscriptRepairCounter.WithLabelValues(provider, kind).Inc()
}

// RecordCompaction records one compaction attempt.
func (m *Metrics) RecordCompaction(status string, reclaimedTokens int) {
	m.CompactionCounter.WithLabelValues(status).Inc()
	if reclaimedTokens > 0 {
		m.CompactionReclaimedTokens.Add(float64(reclaimedTokens))
	}
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted(provider string) {
	m.ActiveRuns.WithLabelValues(provider).Inc()
}

// RunEnded decrements the active run gauge.
func (m *Metrics) RunEnded(provider string) {
	m.ActiveRuns.WithLabelValues(provider).Dec()
}

// RecordStoreOp records one session store operation.
func (m *Metrics) RecordStoreOp(backend, operation string, durationSeconds float64) {
	m.StoreOpDuration.WithLabelValues(backend, operation).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
