package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adreserve_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adreserve_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// reservation attempts labelled by outcome (held, conflict, validation, error)
	ReservationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adreserve_reservations_total",
			Help: "Total reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// end-to-end latency of the multi-slot acquisition path
	ReservationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adreserve_reservation_duration_seconds",
			Help:    "Histogram of reservation acquisition latencies",
			Buckets: prometheus.DefBuckets,
		},
	)

	// slots transitioned to LOCKED, per banner type
	SlotsLockedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adreserve_slots_locked_total",
			Help: "Total slots locked",
		},
		[]string{"banner_type"},
	)

	// holds released by the expiry reaper
	LocksExpiredCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adreserve_locks_expired_total",
			Help: "Total expired holds released by the reaper",
		},
	)

	// terminal application transitions (sold, canceled, expired)
	ApplicationStatusCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adreserve_applications_total",
			Help: "Total application status transitions",
		},
		[]string{"status"},
	)

	// availability range queries, per banner type
	AvailabilityQueryCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adreserve_availability_queries_total",
			Help: "Total availability range queries",
		},
		[]string{"banner_type"},
	)

	// size of the last reaper batch
	ReaperBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adreserve_reaper_batch_size",
			Help: "Number of expired holds processed in the last reaper run",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		ReservationCount,
		ReservationLatency,
		SlotsLockedCount,
		LocksExpiredCount,
		ApplicationStatusCount,
		AvailabilityQueryCount,
		ReaperBatchSize,
	)
}
