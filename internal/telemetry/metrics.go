package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workOrdersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_work_orders_submitted_total",
		Help: "Total number of work orders admitted to the queue",
	})
	workOrdersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_work_orders_completed_total",
		Help: "Total number of work orders that reached a terminal status",
	}, []string{"status"})
	iterationsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_iterations_total",
		Help: "Total agent iterations executed across all runs",
	})
	gateResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_gate_results_total",
		Help: "Gate evaluations by check type and outcome",
	}, []string{"check_type", "outcome"})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_queue_depth",
		Help: "Number of work orders waiting for a running slot",
	})
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_active_runs",
		Help: "Number of work orders currently running",
	})
	activeSandboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_active_sandboxes",
		Help: "Number of live sandboxes across all providers",
	})
	agentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentgate_agent_invocation_seconds",
		Help:    "Wall clock duration of a single agent invocation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	findingsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_findings_blocked_total",
		Help: "Findings that landed in the blocked bucket after allowlisting",
	})
)

// TrackWorkOrderSubmitted records one queue admission.
func TrackWorkOrderSubmitted() { workOrdersSubmitted.Inc() }

// TrackWorkOrderCompleted records a terminal work-order status.
func TrackWorkOrderCompleted(status string) { workOrdersCompleted.WithLabelValues(status).Inc() }

// TrackIteration records one agent iteration.
func TrackIteration() { iterationsRun.Inc() }

// TrackGateResult records a gate evaluation outcome.
func TrackGateResult(checkType string, passed bool) {
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	gateResults.WithLabelValues(checkType, outcome).Inc()
}

// SetQueueDepth updates the waiting-queue gauge.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// SetActiveRuns updates the running-set gauge.
func SetActiveRuns(n int) { activeRuns.Set(float64(n)) }

// SandboxCreated and SandboxDestroyed bracket a sandbox lifetime.
func SandboxCreated() { activeSandboxes.Inc() }
func SandboxDestroyed() { activeSandboxes.Dec() }

// ObserveAgentLatency records one agent invocation duration in seconds.
func ObserveAgentLatency(seconds float64) { agentLatency.Observe(seconds) }

// TrackFindingsBlocked adds to the blocked-findings counter.
func TrackFindingsBlocked(n int) { findingsBlocked.Add(float64(n)) }

// StartMetricsServer starts a HTTP server exposing Prometheus metrics.
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
