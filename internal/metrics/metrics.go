package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Association metrics
	AssociationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ris_qr_associations_total",
		Help: "Total number of associations requested by the engine",
	}, []string{"service", "outcome"}) // service: echo/find/move, outcome: accepted/rejected/failed

	// Query metrics
	FindResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ris_qr_find_results_total",
		Help: "Total number of C-FIND matches accumulated",
	}, []string{"level"})

	CancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ris_qr_cancels_total",
		Help: "Total number of C-CANCEL requests sent",
	}, []string{"operation"})

	// Store receiver metrics
	StoredFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ris_qr_stored_files_total",
		Help: "Total number of objects written by the store receiver",
	})

	StoredBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ris_qr_stored_bytes_total",
		Help: "Total bytes written by the store receiver",
	})

	StoreFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ris_qr_store_failures_total",
		Help: "Total number of incoming objects that could not be stored",
	}, []string{"reason"}) // reason: decode/layout/write

	// Retrieve metrics
	RetrieveTargetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ris_qr_retrieve_targets_total",
		Help: "Total number of retrieve targets processed by final state",
	}, []string{"state"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ris_qr_retrieve_queue_depth",
		Help: "Number of retrieve targets waiting in the queue",
	})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ris_qr_operation_duration_seconds",
		Help:    "Duration of engine operations in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"operation"})
)
