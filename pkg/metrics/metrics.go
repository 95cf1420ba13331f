package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lta_requests_total",
			Help: "Total number of REST requests by method and route",
		},
		[]string{"method", "route"},
	)

	ResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lta_responses_total",
			Help: "Total number of REST responses by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lta_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Document store metrics, refreshed by the Collector
	BundlesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lta_bundles",
			Help: "Number of bundles by status",
		},
		[]string{"status"},
	)

	TransferRequestsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lta_transfer_requests",
			Help: "Number of transfer requests by status",
		},
		[]string{"status"},
	)

	// Reaper metrics
	ReapedClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lta_reaped_claims_total",
			Help: "Total number of stale claims released by document type",
		},
		[]string{"type"},
	)

	ReaperCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lta_reaper_cycles_total",
			Help: "Total number of reaper sweep cycles by outcome",
		},
		[]string{"status"},
	)

	ReaperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lta_reaper_duration_seconds",
			Help:    "Reaper sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	WorkSuccessesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lta_work_successes_total",
			Help: "Total number of successfully processed work units by component",
		},
		[]string{"component"},
	)

	WorkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lta_work_failures_total",
			Help: "Total number of failed (quarantined) work units by component",
		},
		[]string{"component"},
	)

	WorkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lta_work_duration_seconds",
			Help:    "Duration of one work unit in seconds by component",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"component"},
	)

	HeartbeatFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lta_heartbeat_failures_total",
			Help: "Total number of heartbeat PATCHes that exhausted their retries",
		},
		[]string{"component"},
	)

	LoadLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lta_load_level",
			Help: "Work units claimed during the current cycle by component",
		},
		[]string{"component"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(ResponsesTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(BundlesByStatus)
	prometheus.MustRegister(TransferRequestsByStatus)
	prometheus.MustRegister(ReapedClaimsTotal)
	prometheus.MustRegister(ReaperCyclesTotal)
	prometheus.MustRegister(ReaperDuration)
	prometheus.MustRegister(WorkSuccessesTotal)
	prometheus.MustRegister(WorkFailuresTotal)
	prometheus.MustRegister(WorkDuration)
	prometheus.MustRegister(HeartbeatFailuresTotal)
	prometheus.MustRegister(LoadLevel)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
