/*
Package metrics exposes Prometheus collectors and health endpoints.

All collectors register once at init under the hatchery_ prefix and are
shared process-wide; components update them directly. The same package
serves the component health registry behind /health, /ready, and /live.

# Metric Catalog

Sessions and kernels:

	hatchery_sessions_active{state}       gauge per session state
	hatchery_kernels_running              gauge
	hatchery_kernel_restarts_total{reason} counter (requested, crash)
	hatchery_zombies_reaped_total         counter

Execution pipeline:

	hatchery_tasks_total{status}          counter of terminal commits
	hatchery_queue_depth{notebook}        gauge
	hatchery_execution_duration_seconds   histogram
	hatchery_iopub_messages_total{type}   counter
	hatchery_orphaned_messages_total      counter
	hatchery_drain_failures_total         counter
	hatchery_notifications_dropped        gauge

Notebook and assets:

	hatchery_notebook_writes_total{outcome} counter
	hatchery_asset_bytes_written          counter
	hatchery_assets_pruned_total          counter

RPC surface:

	hatchery_rpc_requests_total{method,status} counter
	hatchery_rpc_request_duration_seconds{method} histogram

# Health Endpoints

The health registry tracks named components. /health reports unhealthy
when any registered component is; /ready requires the critical set
(store, sessions) to be up; /live answers 200 whenever the process
does. All three serve JSON bodies and ride on the metrics listener.

# Usage

	metrics.TasksTotal.WithLabelValues(string(status)).Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RPCRequestDuration, method)

	metrics.RegisterComponent("store", true, "")
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ready", metrics.ReadyHandler())
*/
package metrics
