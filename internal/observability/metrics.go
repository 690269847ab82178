package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the generation pipeline:
// completion latency and outcome, token consumption, tool executions,
// history operations, and event dispatch.
type Metrics struct {
	// GenerationDuration measures one full run in seconds.
	// Labels: model
	GenerationDuration *prometheus.HistogramVec

	// GenerationCounter counts runs by model and outcome.
	// Labels: model, status (reply|interrupted|error)
	GenerationCounter *prometheus.CounterVec

	// CompletionRequestDuration measures upstream completion calls.
	// Labels: backend (openai|anthropic), model
	CompletionRequestDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: model, type (prompt|reply)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// HistoryOperations counts store operations.
	// Labels: op (append|messages|summary|delete|clear), status
	HistoryOperations *prometheus.CounterVec

	// EventsDispatched counts bus events by kind.
	// Labels: kind
	EventsDispatched *prometheus.CounterVec

	// SummaryEvictions counts messages folded into summaries.
	SummaryEvictions prometheus.Counter
}

// NewMetrics registers all vectors on a registry. Call once per
// process; pass nil for the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_generation_duration_seconds",
				Help:    "Duration of full generation runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		GenerationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_generations_total",
				Help: "Total generation runs by model and outcome",
			},
			[]string{"model", "status"},
		),
		CompletionRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_completion_request_duration_seconds",
				Help:    "Duration of upstream completion calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"backend", "model"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tokens_total",
				Help: "Total tokens consumed by model and type",
			},
			[]string{"model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		HistoryOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_history_operations_total",
				Help: "Total history store operations by op and status",
			},
			[]string{"op", "status"},
		),
		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_total",
				Help: "Total lifecycle events dispatched by kind",
			},
			[]string{"kind"},
		),
		SummaryEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_summary_evictions_total",
				Help: "Total messages evicted into rolling summaries",
			},
		),
	}
}

// RecordGeneration records one finished run.
func (m *Metrics) RecordGeneration(model, status string, seconds float64) {
	m.GenerationCounter.WithLabelValues(model, status).Inc()
	m.GenerationDuration.WithLabelValues(model).Observe(seconds)
}

// RecordTokens adds token counts for a model.
func (m *Metrics) RecordTokens(model string, promptTokens, replyTokens int) {
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if replyTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "reply").Add(float64(replyTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}
