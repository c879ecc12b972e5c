// Package metrics defines the Prometheus collectors exported by the QuillVec
// server. promauto registers everything against the default registry so the
// /metrics handler can serve it without extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts processed requests, labeled by method, path,
	// and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillvec_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures server response time.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "quillvec_http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
			// From sub-millisecond point lookups to multi-second batch inserts.
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// TotalVectors tracks the number of live documents per index.
	TotalVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quillvec_vectors_total",
			Help: "Total number of indexed vectors",
		},
		[]string{"index_name"},
	)

	// IndexMemoryBytes tracks the estimated memory footprint per index,
	// mirroring the stats endpoint.
	IndexMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quillvec_index_memory_bytes",
			Help: "Estimated memory usage of each vector index in bytes",
		},
		[]string{"index_name"},
	)

	// SearchesTotal counts k-NN queries per index.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillvec_searches_total",
			Help: "Total number of vector searches executed",
		},
		[]string{"index_name"},
	)

	// MaintenanceRunsTotal counts background maintenance executions by kind
	// (vacuum or refine).
	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillvec_maintenance_runs_total",
			Help: "Total number of background maintenance runs",
		},
		[]string{"kind"},
	)
)
