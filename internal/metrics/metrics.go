package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OptimizationRuns counts runs by outcome: ok, config_error, persistence_error.
	OptimizationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimization_runs_total", Help: "Optimization runs by outcome."},
		[]string{"outcome"},
	)
	OptimizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimization_run_duration_seconds", Help: "Optimization run duration in seconds.", Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5}},
	)
	// OptimizationOrders counts orders per run result: assigned, unassigned, invalid.
	OptimizationOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimization_orders_total", Help: "Orders considered by optimization runs."},
		[]string{"result"},
	)
	// LatestEfficiency is the efficiency score of the most recent committed run.
	LatestEfficiency = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimization_latest_efficiency_score", Help: "Efficiency score of the latest run."},
	)

	// WebhookDeliveries counts notification delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors on Registry. Safe to call more than once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OptimizationRuns)
		Registry.MustRegister(OptimizationDuration)
		Registry.MustRegister(OptimizationOrders)
		Registry.MustRegister(LatestEfficiency)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
