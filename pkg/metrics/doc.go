/*
Package metrics exposes Prometheus metrics and component health for
middlewared.

Metrics are package-level collectors registered with the default registry
in init(), so any package can increment them without plumbing a registry
through constructors:

	metrics.RPCCallsTotal.WithLabelValues("pool.query", "success").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RPCCallDuration, method)

# Metric families

	┌──────────────┬──────────────────────────────────────────────┐
	│ rpc          │ middlewared_rpc_calls_total{method,status}   │
	│              │ middlewared_rpc_call_duration_seconds        │
	│ jobs         │ middlewared_jobs_total{state}                │
	│              │ middlewared_jobs_submitted_total{method}     │
	│              │ middlewared_jobs_queue_full_total{lock}      │
	│ events       │ middlewared_events_published_total           │
	│ hooks        │ middlewared_hook_failures_total{hook}        │
	│ datastore    │ middlewared_datastore_writes_total           │
	│              │ middlewared_datastore_generation             │
	│ ha journal   │ middlewared_ha_journal_length                │
	│ dlm          │ middlewared_dlm_operations_total{op,result}  │
	│ cache        │ middlewared_cache_{hits,misses}_total{kind}  │
	│ audit        │ middlewared_audit_records_total{status}      │
	└──────────────┴──────────────────────────────────────────────┘

Gauges that describe state held elsewhere (jobs per state, journal length,
cache sizes) are sampled by a Collector polling a Source every interval.

# Health

RegisterComponent / UpdateComponent record per-component health. GetHealth
is unhealthy if any component is; GetReadiness additionally requires every
critical component (datastore, jobs, api by default) to be registered and
healthy. Every report is mirrored in middlewared_component_healthy.
HealthHandler serves the per-component view at /health/components.
*/
package metrics
