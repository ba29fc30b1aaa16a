package logic

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

// fakeClock is a mutable time source shared between a store and the
// components under test so holds can be expired without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCoordinator(t *testing.T, clock *fakeClock) (*Coordinator, *models.InMemoryStore) {
	t.Helper()
	store := models.NewInMemoryStore()
	rc := testRateCard(t)
	opts := []CoordinatorOption{}
	if clock != nil {
		store.SetClock(clock.Now)
		opts = append(opts, WithClock(clock.Now))
	}
	c := NewCoordinator(store, rc, observability.NewMockMetricsRegistry(), zap.NewNop(), 2880, 10080, opts...)
	return c, store
}
