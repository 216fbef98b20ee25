package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// Tracked concerns:
//   - wire frames in and out, by type
//   - router state: active requests, queued requests, dedup rejections,
//     debounce consolidations
//   - orchestrator: LLM call latency, tool executions
//   - supervisor: adapter starts, restarts, failures
//   - scheduler: task runs by outcome
type Metrics struct {
	// FramesReceived counts inbound frames. Labels: type.
	FramesReceived *prometheus.CounterVec

	// FramesSent counts outbound frames. Labels: type.
	FramesSent *prometheus.CounterVec

	// ConnectedNodes gauges registered adapters. Labels: platform.
	ConnectedNodes *prometheus.GaugeVec

	// ActiveRequests gauges requests in ACTIVE across all channels.
	ActiveRequests prometheus.Gauge

	// QueuedRequests gauges requests waiting in channel queues.
	QueuedRequests prometheus.Gauge

	// DuplicatesRejected counts dedup-cache rejections.
	DuplicatesRejected prometheus.Counter

	// DebounceConsolidations counts debounce flushes. The "messages"
	// label distinguishes single vs multi-message consolidation.
	DebounceConsolidations *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency. Labels: provider, model.
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations. Labels: tool, status.
	ToolExecutions *prometheus.CounterVec

	// AdapterRestarts counts supervisor restarts. Labels: adapter.
	AdapterRestarts *prometheus.CounterVec

	// AdapterFailures counts adapters entering FAILED. Labels: adapter.
	AdapterFailures *prometheus.CounterVec

	// ScheduledRuns counts task executions. Labels: task, status.
	ScheduledRuns *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clara_frames_received_total",
			Help: "Inbound wire frames by type",
		}, []string{"type"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clara_frames_sent_total",
			Help: "Outbound wire frames by type",
		}, []string{"type"}),

		ConnectedNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clara_connected_nodes",
			Help: "Currently registered adapter nodes by platform",
		}, []string{"platform"}),

		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clara_active_requests",
			Help: "Requests currently in ACTIVE state",
		}),

		QueuedRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clara_queued_requests",
			Help: "Requests waiting in channel queues",
		}),

		DuplicatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "clara_duplicates_rejected_total",
			Help: "Submissions rejected by the dedup cache",
		}),

		DebounceConsolidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clara_debounce_consolidations_total",
			Help: "Debounce timer flushes",
		}, []string{"messages"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clara_llm_request_duration_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clara_tool_executions_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),

		AdapterRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clara_adapter_restarts_total",
			Help: "Adapter subprocess restarts",
		}, []string{"adapter"}),

		AdapterFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clara_adapter_failures_total",
			Help: "Adapters transitioning to FAILED",
		}, []string{"adapter"}),

		ScheduledRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clara_scheduled_runs_total",
			Help: "Scheduled task executions by outcome",
		}, []string{"task", "status"}),
	}
}
