/*
Package metrics provides Prometheus instrumentation for Permafrost.

All metrics carry the lta_ prefix because that is what the existing
archival dashboards and alert rules query. The coordinator exposes API
and store metrics; every worker exposes work-loop metrics; both serve
them with promhttp on the PROMETHEUS_METRICS_PORT listener alongside
/health.

# Metrics

Coordinator API (populated by the pkg/api middleware):

	lta_requests_total{method,route}           requests received
	lta_responses_total{method,route,status}   responses by status code
	lta_request_duration_seconds{method,route} latency histogram

Document store gauges (refreshed every 15s by the Collector):

	lta_bundles{status}            bundles per pipeline status
	lta_transfer_requests{status}  requests per status

Reaper (populated by pkg/reaper):

	lta_reaped_claims_total{type}   stale claims released
	lta_reaper_cycles_total{status} sweeps by outcome
	lta_reaper_duration_seconds     sweep latency

Workers (populated by pkg/worker):

	lta_work_successes_total{component}
	lta_work_failures_total{component}
	lta_work_duration_seconds{component}
	lta_heartbeat_failures_total{component}
	lta_load_level{component}

# Usage

Serving:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())

Recording with the timer helper:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkDuration, component)

Store gauges:

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

# Health

The /health endpoint reports a JSON rollup of in-process component
health (store, api, work_loop, heartbeat_loop). It answers 200 while
every registered component is healthy and 503 otherwise, which is what
the systemd watchdog and container liveness probes consume. This is
process liveness only; pipeline-level liveness lives in the
coordinator's /status routes, fed by worker heartbeats.

# Cardinality

Route labels come from the chi route pattern ("/Bundles/{uuid}"), never
the raw URL, so uuids do not explode the label space. Component labels
are the thirteen stage names.
*/
package metrics
