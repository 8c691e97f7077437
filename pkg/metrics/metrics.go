package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPC metrics
	RPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_rpc_calls_total",
			Help: "Total number of RPC calls by method and status",
		},
		[]string{"method", "status"},
	)

	RPCCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "middlewared_rpc_call_duration_seconds",
			Help:    "RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "middlewared_jobs_total",
			Help: "Number of jobs held by the job manager by state",
		},
		[]string{"state"},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_jobs_submitted_total",
			Help: "Total number of submitted jobs by method",
		},
		[]string{"method"},
	)

	JobsQueueFull = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_jobs_queue_full_total",
			Help: "Job submissions rejected because the lock queue was full",
		},
		[]string{"lock"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "middlewared_job_duration_seconds",
			Help:    "Job run time in seconds by method and final state",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"method", "state"},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "middlewared_events_published_total",
			Help: "Total number of events sent on the event bus",
		},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "middlewared_event_subscribers",
			Help: "Number of active event bus subscriptions",
		},
	)

	// Hook metrics
	HookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_hook_failures_total",
			Help: "Total number of failed hook invocations by hook name",
		},
		[]string{"hook"},
	)

	// Datastore metrics
	DatastoreWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_datastore_writes_total",
			Help: "Total number of datastore writes by kind and status",
		},
		[]string{"kind", "status"},
	)

	DatastoreWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "middlewared_datastore_write_duration_seconds",
			Help:    "Time spent holding the datastore write lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	DatastoreGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "middlewared_datastore_generation",
			Help: "Current datastore engine generation",
		},
	)

	// HA journal metrics
	JournalLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "middlewared_ha_journal_length",
			Help: "Number of SQL statements waiting to be replicated to the peer",
		},
	)

	JournalFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "middlewared_ha_journal_flushed_total",
			Help: "Total number of journal entries applied on the peer",
		},
	)

	JournalFlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "middlewared_ha_journal_flush_failures_total",
			Help: "Total number of failed journal flush cycles",
		},
	)

	// DLM metrics
	DLMOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_dlm_operations_total",
			Help: "Total number of DLM control operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_cache_hits_total",
			Help: "Cache hits by cache kind",
		},
		[]string{"kind"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_cache_misses_total",
			Help: "Cache misses by cache kind",
		},
		[]string{"kind"},
	)

	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "middlewared_cache_entries",
			Help: "Number of cache entries by cache kind",
		},
		[]string{"kind"},
	)

	ComponentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "middlewared_component_healthy",
			Help: "Whether a component reports healthy (1) or not (0)",
		},
		[]string{"component"},
	)

	// Audit metrics
	AuditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "middlewared_audit_records_total",
			Help: "Total number of audit records by result status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(RPCCallsTotal)
	prometheus.MustRegister(RPCCallDuration)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsQueueFull)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(HookFailures)
	prometheus.MustRegister(DatastoreWrites)
	prometheus.MustRegister(DatastoreWriteDuration)
	prometheus.MustRegister(DatastoreGeneration)
	prometheus.MustRegister(JournalLength)
	prometheus.MustRegister(JournalFlushed)
	prometheus.MustRegister(JournalFlushFailures)
	prometheus.MustRegister(DLMOperations)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(ComponentHealthy)
	prometheus.MustRegister(AuditRecords)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
