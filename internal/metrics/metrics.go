// Package metrics defines Prometheus metrics for patchvec.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts business operations by op and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patchvec",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total number of engine operations",
		},
		[]string{"op", "status"},
	)

	// OperationDuration tracks operation latency by op.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patchvec",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// SearchesInFlight gauges currently admitted searches.
	SearchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patchvec",
			Subsystem: "engine",
			Name:      "searches_in_flight",
			Help:      "Number of searches currently admitted",
		},
	)

	// IngestsInFlight gauges currently admitted ingests.
	IngestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patchvec",
			Subsystem: "engine",
			Name:      "ingests_in_flight",
			Help:      "Number of ingests currently admitted",
		},
	)

	// AdmissionRejections counts fast-fail rejections by kind (search, ingest, tenant).
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patchvec",
			Subsystem: "engine",
			Name:      "admission_rejections_total",
			Help:      "Total operations rejected by the admission controller",
		},
		[]string{"kind"},
	)

	// ChunksIndexed counts chunks written to the vector backend.
	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchvec",
			Subsystem: "engine",
			Name:      "chunks_indexed_total",
			Help:      "Total chunks written to the vector backend",
		},
	)

	// SidecarFallbacks counts hits whose text was hydrated from the sidecar.
	SidecarFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchvec",
			Subsystem: "engine",
			Name:      "sidecar_fallbacks_total",
			Help:      "Total search hits hydrated from the chunk sidecar",
		},
	)

	// OpsLogDropped counts operational log events dropped under backpressure.
	OpsLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patchvec",
			Subsystem: "opslog",
			Name:      "dropped_total",
			Help:      "Total operational log events dropped",
		},
	)
)
