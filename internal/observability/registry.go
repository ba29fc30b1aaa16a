package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Reservation metrics
	IncrementReservations(outcome string)
	RecordReservationLatency(duration time.Duration)
	IncrementSlotsLocked(bannerType string, count int)

	// Lock expiry metrics
	IncrementLocksExpired(count int)
	SetReaperBatchSize(count int)

	// Application lifecycle metrics
	IncrementApplicationStatus(status string)

	// Availability metrics
	IncrementAvailabilityQueries(bannerType string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Reservation metrics
func (r *PrometheusRegistry) IncrementReservations(outcome string) {
	ReservationCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordReservationLatency(duration time.Duration) {
	ReservationLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementSlotsLocked(bannerType string, count int) {
	SlotsLockedCount.WithLabelValues(bannerType).Add(float64(count))
}

// Lock expiry metrics
func (r *PrometheusRegistry) IncrementLocksExpired(count int) {
	LocksExpiredCount.Add(float64(count))
}

func (r *PrometheusRegistry) SetReaperBatchSize(count int) {
	ReaperBatchSize.Set(float64(count))
}

// Application lifecycle metrics
func (r *PrometheusRegistry) IncrementApplicationStatus(status string) {
	ApplicationStatusCount.WithLabelValues(status).Inc()
}

// Availability metrics
func (r *PrometheusRegistry) IncrementAvailabilityQueries(bannerType string) {
	AvailabilityQueryCount.WithLabelValues(bannerType).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementReservations(outcome string)                                 {}
func (r *NoOpRegistry) RecordReservationLatency(duration time.Duration)                      {}
func (r *NoOpRegistry) IncrementSlotsLocked(bannerType string, count int)                    {}
func (r *NoOpRegistry) IncrementLocksExpired(count int)                                      {}
func (r *NoOpRegistry) SetReaperBatchSize(count int)                                         {}
func (r *NoOpRegistry) IncrementApplicationStatus(status string)                             {}
func (r *NoOpRegistry) IncrementAvailabilityQueries(bannerType string)                       {}
