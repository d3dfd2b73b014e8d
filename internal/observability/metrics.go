package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine metrics via Prometheus.
//
// Tracked:
//   - Streamed turns and per-event-type stream event counts
//   - Tool executions by tool name and outcome, with durations
//   - Write-behind persistence attempts and failures
//   - Connected WebSocket clients
type Metrics struct {
	// TurnCounter counts conversational turns.
	// Labels: outcome (done|error|stopped)
	TurnCounter *prometheus.CounterVec

	// StreamEventCounter counts decoded stream events.
	// Labels: type (context|delta|tool|progress|done|error)
	StreamEventCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool executions.
	// Labels: tool_name, status (executed|failed|canceled|invalid)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PersistWriteCounter counts write-behind persistence attempts.
	// Labels: kind (conversation|user|assistant), status (success|error)
	PersistWriteCounter *prometheus.CounterVec

	// WSClients is a gauge of currently connected WebSocket clients.
	WSClients prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fablecraft_turns_total",
				Help: "Conversational turns by outcome.",
			},
			[]string{"outcome"},
		),
		StreamEventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fablecraft_stream_events_total",
				Help: "Decoded stream events by type.",
			},
			[]string{"type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fablecraft_tool_executions_total",
				Help: "Tool executions by tool name and final status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fablecraft_tool_execution_seconds",
				Help:    "Tool execution duration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		PersistWriteCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fablecraft_persist_writes_total",
				Help: "Write-behind persistence attempts by kind and status.",
			},
			[]string{"kind", "status"},
		),
		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fablecraft_ws_clients",
				Help: "Currently connected WebSocket clients.",
			},
		),
	}
}

// NewTestMetrics creates metrics on a private registry for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
