// Package metrics exposes Prometheus metrics for ingestion and queries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every strata collector on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion
	FilesTotal      *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	FileDuration    prometheus.Histogram
	BytesTotal      prometheus.Counter
	ChunksTotal     prometheus.Counter
	OversizedChunks prometheus.Counter
	GroupSize       prometheus.Gauge
	HeapBytes       prometheus.Gauge
	MemoryWarnings  prometheus.Counter
	RunsTotal       *prometheus.CounterVec
	SupersededTotal prometheus.Counter

	// Queries
	QueriesTotal        *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_ingest_files_total",
			Help: "Files processed by outcome (committed, unchanged, skipped, failed).",
		}, []string{"outcome"}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_ingest_failures_total",
			Help: "Per-file failures by class.",
		}, []string{"class"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_ingest_retries_total",
			Help: "Retried attempts after transient failures.",
		}),
		FileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "strata_ingest_file_duration_seconds",
			Help:    "Time spent processing one file.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		BytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_ingest_bytes_total",
			Help: "Raw bytes read from ingested files.",
		}),
		ChunksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_ingest_chunks_total",
			Help: "Chunks stored.",
		}),
		OversizedChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_ingest_oversized_chunks_total",
			Help: "Chunks emitted whole because a single block exceeded the size limit.",
		}),
		GroupSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "strata_ingest_group_size",
			Help: "Current number of files dispatched per group.",
		}),
		HeapBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "strata_ingest_heap_bytes",
			Help: "Heap in use at the last sample between groups.",
		}),
		MemoryWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_ingest_memory_warnings_total",
			Help: "Samples above the configured memory threshold.",
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_ingest_runs_total",
			Help: "Batch runs by final state.",
		}, []string{"state"}),
		SupersededTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_versions_superseded_total",
			Help: "File versions closed by a newer commit.",
		}),

		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_queries_total",
			Help: "Query facade calls by operation and result.",
		}, []string{"op", "result"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FileDone records the outcome of one file.
func (m *Metrics) FileDone(outcome string, d time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.FilesTotal.WithLabelValues(outcome).Inc()
	m.FileDuration.Observe(d.Seconds())
	m.BytesTotal.Add(float64(bytes))
}

// Failure records a per-file failure of the given class.
func (m *Metrics) Failure(class string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(class).Inc()
}

// Retry records one retried attempt.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// Chunks records stored chunks.
func (m *Metrics) Chunks(n, oversized int) {
	if m == nil {
		return
	}
	m.ChunksTotal.Add(float64(n))
	m.OversizedChunks.Add(float64(oversized))
}

// Superseded records a version closed by a new commit.
func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.SupersededTotal.Inc()
}

// MemorySample records a heap sample and the group size in effect.
func (m *Metrics) MemorySample(heap uint64, groupSize int, overThreshold bool) {
	if m == nil {
		return
	}
	m.HeapBytes.Set(float64(heap))
	m.GroupSize.Set(float64(groupSize))
	if overThreshold {
		m.MemoryWarnings.Inc()
	}
}

// RunFinished records the final state of a batch run.
func (m *Metrics) RunFinished(state string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(state).Inc()
}

// Query records a query facade call.
func (m *Metrics) Query(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.QueriesTotal.WithLabelValues(op, result).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
