package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry is a MetricsRegistry for tests that records what was
// incremented so assertions can be made against it.
type MockMetricsRegistry struct {
	mu sync.Mutex

	Reservations  map[string]int
	SlotsLocked   map[string]int
	LocksExpired  int
	AppStatuses   map[string]int
	Availability  map[string]int
	LastBatchSize int
}

// NewMockMetricsRegistry creates an empty mock registry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		Reservations: make(map[string]int),
		SlotsLocked:  make(map[string]int),
		AppStatuses:  make(map[string]int),
		Availability: make(map[string]int),
	}
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementReservations(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reservations[outcome]++
}

func (m *MockMetricsRegistry) RecordReservationLatency(duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementSlotsLocked(bannerType string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SlotsLocked[bannerType] += count
}

func (m *MockMetricsRegistry) IncrementLocksExpired(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LocksExpired += count
}

func (m *MockMetricsRegistry) SetReaperBatchSize(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastBatchSize = count
}

func (m *MockMetricsRegistry) IncrementApplicationStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppStatuses[status]++
}

func (m *MockMetricsRegistry) IncrementAvailabilityQueries(bannerType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Availability[bannerType]++
}

// ReservationOutcome returns the recorded count for an outcome label.
func (m *MockMetricsRegistry) ReservationOutcome(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reservations[outcome]
}
