package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Analysis lifecycle metrics
	AnalysesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_analyses_started_total",
			Help: "Total number of analyses started",
		},
		[]string{"caller"}, // caller: individual|rebalance
	)

	AnalysesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_analyses_finished_total",
			Help: "Total number of analyses reaching a terminal state",
		},
		[]string{"status"}, // status: completed|error|cancelled
	)

	// Callback routing metrics
	AgentCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_agent_callbacks_total",
			Help: "Total agent completion callbacks by routing outcome",
		},
		[]string{"phase", "agent", "completion_type", "outcome"},
	)

	CallbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_callback_duration_seconds",
			Help:    "Completion handler duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"phase"},
	)

	// Invocation layer metrics
	AgentInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_agent_invocations_total",
			Help: "Total outbound agent invocations",
		},
		[]string{"agent", "mode", "status"}, // mode: async|awaited, status: success|error
	)

	PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_phase_transitions_total",
			Help: "Total phase-to-phase transitions",
		},
		[]string{"from", "to"},
	)

	BatchNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_batch_notifications_total",
			Help: "Total parent batch notifications",
		},
		[]string{"status"}, // status: success|error
	)

	StaleReactivations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_stale_reactivations_total",
			Help: "Total stale analyses resumed by the reactivation worker",
		},
	)

	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"worker"},
	)
)

func init() {
	prometheus.MustRegister(
		AnalysesStarted,
		AnalysesFinished,
		AgentCallbacks,
		CallbackDuration,
		AgentInvocations,
		PhaseTransitions,
		BatchNotifications,
		StaleReactivations,
		WorkerExecutions,
		WorkerDuration,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCallback records a completion handler execution
func ObserveCallback(phase string, start time.Time) {
	CallbackDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
