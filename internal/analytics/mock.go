package analytics

import (
	"context"
	"sync"
)

// MockAudit is an AuditService for tests. It records events in memory.
type MockAudit struct {
	mu     sync.Mutex
	Events []SlotEvent
}

// NewMockAudit creates an empty MockAudit.
func NewMockAudit() *MockAudit {
	return &MockAudit{}
}

func (m *MockAudit) RecordSlotEvent(_ context.Context, ev SlotEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
	return nil
}

func (m *MockAudit) Close() error { return nil }

// EventsOfType returns the recorded events matching eventType.
func (m *MockAudit) EventsOfType(eventType string) []SlotEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SlotEvent
	for _, ev := range m.Events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
