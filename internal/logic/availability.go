package logic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

// maxRangeDays bounds one availability query. The response grid is
// synthesized in memory, one entry per (date, rank), so unbounded spans are
// rejected up front.
const maxRangeDays = 92

// AvailabilityQuery answers read-only range queries over the slot calendar.
// It takes no locks: results are a consistent snapshot at query time and may
// go stale the instant they return. Correctness is enforced only at
// acquisition time by the coordinator.
type AvailabilityQuery struct {
	store   models.SlotStore
	rates   *RateCard
	metrics observability.MetricsRegistry

	now func() time.Time
}

// NewAvailabilityQuery constructs an AvailabilityQuery.
func NewAvailabilityQuery(store models.SlotStore, rates *RateCard, metrics observability.MetricsRegistry) *AvailabilityQuery {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &AvailabilityQuery{store: store, rates: rates, metrics: metrics, now: time.Now}
}

// SetClock overrides the query's time source. Testing only.
func (q *AvailabilityQuery) SetClock(now func() time.Time) {
	q.now = now
}

// ListSlots returns the full slot grid for a banner type over the inclusive
// [from, to] span: every (date, rank) pair, with unmaterialized keys
// synthesized as AVAILABLE at the standard price. The materialized rows come
// from a single snapshot query so a multi-day conflict check never mixes
// states from different instants.
func (q *AvailabilityQuery) ListSlots(ctx context.Context, bt models.BannerType, from, to string) ([]models.Slot, error) {
	days, err := models.DatesInRange(from, to)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if len(days) > maxRangeDays {
		return nil, &ValidationError{Reason: fmt.Sprintf("date range spans %d days, limit is %d", len(days), maxRangeDays)}
	}

	materialized, err := q.store.ListSlots(ctx, bt, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	byKey := make(map[models.SlotKey]models.Slot, len(materialized))
	for _, s := range materialized {
		byKey[s.Key()] = s
	}

	q.metrics.IncrementAvailabilityQueries(string(bt))

	out := make([]models.Slot, 0, len(days)*bt.MaxPriority())
	for _, day := range days {
		for rank := 1; rank <= bt.MaxPriority(); rank++ {
			key := models.SlotKey{BannerType: bt, Date: day, Priority: rank}
			price, err := q.rates.Price(bt, rank)
			if err != nil {
				return nil, err
			}
			if s, ok := byKey[key]; ok {
				s.Price = price
				// A lock past its deadline that the reaper has not yet
				// collected is already reclaimable, so report it open.
				if s.Status == models.SlotLocked && s.LockedUntil != nil && !s.LockedUntil.After(q.now()) {
					s.Status = models.SlotAvailable
					s.Holder = uuid.Nil
					s.LockedUntil = nil
				}
				out = append(out, s)
				continue
			}
			out = append(out, models.Slot{
				BannerType: bt,
				SlotDate:   day,
				Priority:   rank,
				Status:     models.SlotAvailable,
				Price:      price,
			})
		}
	}
	return out, nil
}

// DateExhausted reports whether a SEARCH_TOP date has both of its seats
// taken. Computed purely from a ListSlots snapshot.
func DateExhausted(slots []models.Slot, date string) bool {
	open := 0
	seen := 0
	for _, s := range slots {
		if s.SlotDate != date {
			continue
		}
		seen++
		if s.Status == models.SlotAvailable {
			open++
		}
	}
	return seen > 0 && open == 0
}

// RangeFullyAvailable reports whether every date in the span has at least
// one open rank. The span is inclusive on both ends.
func RangeFullyAvailable(slots []models.Slot, from, to string) (bool, error) {
	days, err := models.DatesInRange(from, to)
	if err != nil {
		return false, err
	}
	openByDate := make(map[string]bool)
	for _, s := range slots {
		if s.Status == models.SlotAvailable {
			openByDate[s.SlotDate] = true
		}
	}
	for _, day := range days {
		if !openByDate[day] {
			return false, nil
		}
	}
	return true, nil
}
