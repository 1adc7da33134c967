package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/burrowops/burrow/pkg/log"
)

var (
	// Engine metrics
	WorkflowsSleeping = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workflows_sleeping",
			Help: "Workflows with a wake condition and no lease, by name",
		},
		[]string{"workflow_name"},
	)

	WorkflowsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workflows_active",
			Help: "Workflows currently leased by a worker, by name",
		},
		[]string{"workflow_name"},
	)

	WorkflowsComplete = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workflows_complete",
			Help: "Workflows that have produced output, by name",
		},
		[]string{"workflow_name"},
	)

	WorkflowsDead = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workflows_dead",
			Help: "Workflows dead with a recorded error, by name and error",
		},
		[]string{"workflow_name", "error"},
	)

	SignalsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_signals_pending",
			Help: "Signals published but not yet consumed, by name",
		},
		[]string{"signal_name"},
	)

	WorkflowTurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_workflow_turn_duration_seconds",
			Help:    "Time taken for one workflow execution turn in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_name"},
	)

	// Chirp metrics
	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_rpc_duration_seconds",
			Help:    "RPC round-trip duration in seconds by service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_messages_published_total",
			Help: "Messages durably published by message name",
		},
		[]string{"message"},
	)

	// Guard metrics
	GuardRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_guard_requests_total",
			Help: "Requests handled by the ingress proxy by status class",
		},
		[]string{"status"},
	)

	GuardUpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_guard_upstream_retries_total",
			Help: "Upstream attempts beyond the first",
		},
	)

	GuardRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_guard_rate_limited_total",
			Help: "Requests rejected by the rate or in-flight limiter",
		},
	)
)

// Register registers all metrics with Prometheus. Call once at startup.
func Register() {
	prometheus.MustRegister(
		WorkflowsSleeping,
		WorkflowsActive,
		WorkflowsComplete,
		WorkflowsDead,
		SignalsPending,
		WorkflowTurnDuration,
		RPCDuration,
		MessagesPublished,
		GuardRequestsTotal,
		GuardUpstreamRetriesTotal,
		GuardRateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts the metrics HTTP server on the given address.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger := log.Component("metrics")
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	return server
}
