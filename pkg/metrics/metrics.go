package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_operations_total",
			Help: "Total number of operations executed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_operation_duration_seconds",
			Help:    "Operation execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_cache_hits_total",
			Help: "Total number of operations skipped because a previous run already produced them",
		},
	)

	ShortCircuitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_short_circuits_total",
			Help: "Total number of strict operations failed without execution due to upstream errors",
		},
	)

	// Artifact metrics
	ArtifactBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_artifact_bytes_total",
			Help: "Total artifact bytes written to the store",
		},
	)

	ArtifactsLinkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_artifacts_linked_total",
			Help: "Total number of artifacts deduplicated into links",
		},
	)

	// Worker metrics
	QueueClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_queue_claims_total",
			Help: "Total number of operations claimed from the job queue",
		},
	)

	ReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_reclaims_total",
			Help: "Total number of stale running operations returned to pending",
		},
	)

	WorkerBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_worker_busy",
			Help: "Whether this worker is currently executing an operation (1 = busy)",
		},
	)
)

// Init registers all metrics with the default registry. Call once at
// startup.
func Init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		CacheHitsTotal,
		ShortCircuitsTotal,
		ArtifactBytesTotal,
		ArtifactsLinkedTotal,
		QueueClaimsTotal,
		ReclaimsTotal,
		WorkerBusy,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics HTTP server on the given address. Blocks; run
// in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

// Timer measures an operation's duration and observes it on stop.
type Timer struct {
	start time.Time
	kind  string
}

// NewTimer starts timing an operation of the given kind.
func NewTimer(kind string) *Timer {
	return &Timer{start: time.Now(), kind: kind}
}

// Stop records the elapsed duration.
func (t *Timer) Stop() {
	OperationDuration.WithLabelValues(t.kind).Observe(time.Since(t.start).Seconds())
}
