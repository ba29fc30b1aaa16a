package logic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/analytics"
	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

func heroRequest(eventID int, items ...models.SlotItem) *ReserveRequest {
	return &ReserveRequest{
		EventID:    eventID,
		BannerType: models.BannerHero,
		Title:      "Spring Festival",
		ImageURL:   "https://cdn.example.com/banner.png",
		Items:      items,
	}
}

func TestReserve_Success(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	res, err := c.Reserve(ctx, heroRequest(1,
		models.SlotItem{Date: "2025-03-01", Priority: 1},
		models.SlotItem{Date: "2025-03-02", Priority: 3},
	))
	require.NoError(t, err)
	assert.Equal(t, testLadder[0]+testLadder[2], res.TotalAmount)
	assert.NotZero(t, res.ApplicationID)
	assert.True(t, res.LockedUntil.After(time.Now()))

	app, err := store.GetApplication(ctx, res.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationHeld, app.Status)

	slot, err := store.GetSlot(ctx, models.SlotKey{BannerType: models.BannerHero, Date: "2025-03-01", Priority: 1})
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, models.SlotLocked, slot.Status)
}

func TestReserve_Validation(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *ReserveRequest
	}{
		{"empty items", heroRequest(1)},
		{"duplicate keys", heroRequest(1,
			models.SlotItem{Date: "2025-03-01", Priority: 2},
			models.SlotItem{Date: "2025-03-01", Priority: 2},
		)},
		{"priority out of range", heroRequest(1, models.SlotItem{Date: "2025-03-01", Priority: 11})},
		{"search top rank 3", &ReserveRequest{
			EventID: 1, BannerType: models.BannerSearchTop, Title: "t", ImageURL: "i",
			Items: []models.SlotItem{{Date: "2025-03-01", Priority: 3}},
		}},
		{"bad date", heroRequest(1, models.SlotItem{Date: "03/01/2025", Priority: 1})},
		{"missing title", &ReserveRequest{
			EventID: 1, BannerType: models.BannerHero, ImageURL: "i",
			Items: []models.SlotItem{{Date: "2025-03-01", Priority: 1}},
		}},
		{"missing event", heroRequest(0, models.SlotItem{Date: "2025-03-01", Priority: 1})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Reserve(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)
		})
	}

	// Validation failures never touch the calendar.
	slots, err := store.ListSlots(ctx, models.BannerHero, "2025-01-01", "2025-12-31")
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestReserve_ConcurrentDuplicate(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	item := models.SlotItem{Date: "2025-03-01", Priority: 1}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct events so only the slot itself is contended.
			_, errs[i] = c.Reserve(ctx, heroRequest(100+i, item))
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case IsConflict(err):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one submission must win")
	assert.Equal(t, 1, conflict, "the loser must see a conflict")
}

func TestReserve_AllOrNothingRollback(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	// Sell out both SEARCH_TOP seats on 2025-05-02.
	blocker := uuid.New()
	for rank := 1; rank <= 2; rank++ {
		key := models.SlotKey{BannerType: models.BannerSearchTop, Date: "2025-05-02", Priority: rank}
		ok, err := store.CompareAndLock(ctx, key, blocker, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.MarkSold(ctx, key, blocker))
	}

	_, err := c.Reserve(ctx, &ReserveRequest{
		EventID:    7,
		BannerType: models.BannerSearchTop,
		Title:      "MD pick run",
		ImageURL:   "https://cdn.example.com/md.png",
		Items: []models.SlotItem{
			{Date: "2025-05-01", Priority: 1},
			{Date: "2025-05-02", Priority: 1},
			{Date: "2025-05-03", Priority: 1},
		},
	})
	require.Error(t, err)
	require.True(t, IsConflict(err))

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "2025-05-02", ce.Date)
	assert.Equal(t, 1, ce.Priority)

	// Nothing on the surrounding days may be left locked.
	for _, date := range []string{"2025-05-01", "2025-05-03"} {
		slot, err := store.GetSlot(ctx, models.SlotKey{BannerType: models.BannerSearchTop, Date: date, Priority: 1})
		require.NoError(t, err)
		if slot != nil {
			assert.Equal(t, models.SlotAvailable, slot.Status, "slot %s must be rolled back", date)
		}
	}
}

func TestReserve_EventAlreadyApplied(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.Reserve(ctx, heroRequest(5, models.SlotItem{Date: "2025-03-01", Priority: 1}))
	require.NoError(t, err)

	_, err = c.Reserve(ctx, heroRequest(5, models.SlotItem{Date: "2025-03-02", Priority: 1}))
	require.Error(t, err)
	require.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "already has an application")
}

func TestReserve_ReclaimsExpiredHold(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	c, _ := newTestCoordinator(t, clock)
	ctx := context.Background()

	item := models.SlotItem{Date: "2025-04-10", Priority: 1}

	_, err := c.Reserve(ctx, &ReserveRequest{
		EventID: 1, BannerType: models.BannerSearchTop, Title: "t", ImageURL: "i",
		Items: []models.SlotItem{item}, LockMinutes: 1,
	})
	require.NoError(t, err)

	// Still held one second before the deadline.
	clock.Advance(59 * time.Second)
	_, err = c.Reserve(ctx, &ReserveRequest{
		EventID: 2, BannerType: models.BannerSearchTop, Title: "t", ImageURL: "i",
		Items: []models.SlotItem{item},
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// Past the deadline the lock is reclaimable even before the reaper runs.
	clock.Advance(2 * time.Minute)
	_, err = c.Reserve(ctx, &ReserveRequest{
		EventID: 3, BannerType: models.BannerSearchTop, Title: "t", ImageURL: "i",
		Items: []models.SlotItem{item},
	})
	require.NoError(t, err)
}

func TestConfirm(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	res, err := c.Reserve(ctx, heroRequest(1,
		models.SlotItem{Date: "2025-03-01", Priority: 1},
		models.SlotItem{Date: "2025-03-02", Priority: 1},
	))
	require.NoError(t, err)

	app, err := c.Confirm(ctx, res.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationSold, app.Status)

	for _, date := range []string{"2025-03-01", "2025-03-02"} {
		slot, err := store.GetSlot(ctx, models.SlotKey{BannerType: models.BannerHero, Date: date, Priority: 1})
		require.NoError(t, err)
		require.NotNil(t, slot)
		assert.Equal(t, models.SlotSold, slot.Status)
	}

	// Confirming again is idempotent.
	again, err := c.Confirm(ctx, res.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationSold, again.Status)

	_, err = c.Confirm(ctx, 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConfirm_ExpiryRace(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	c, _ := newTestCoordinator(t, clock)
	ctx := context.Background()

	res, err := c.Reserve(ctx, &ReserveRequest{
		EventID: 1, BannerType: models.BannerHero, Title: "t", ImageURL: "i",
		Items: []models.SlotItem{{Date: "2025-04-10", Priority: 1}}, LockMinutes: 1,
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = c.Confirm(ctx, res.ApplicationID)
	require.Error(t, err)
	assert.True(t, IsExpiry(err), "expired hold must fail distinctly from a conflict, got %v", err)
	assert.False(t, IsConflict(err))
}

// markSoldHook interposes on MarkSold so a test can perturb state between
// the finalizations of one Confirm.
type markSoldHook struct {
	*models.InMemoryStore
	before func(key models.SlotKey)
}

func (h *markSoldHook) MarkSold(ctx context.Context, key models.SlotKey, holder uuid.UUID) error {
	if h.before != nil {
		h.before(key)
	}
	return h.InMemoryStore.MarkSold(ctx, key, holder)
}

func TestConfirm_PartialFailureRevertsSoldSlots(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	store := models.NewInMemoryStore()
	store.SetClock(clock.Now)
	hooked := &markSoldHook{InMemoryStore: store}
	c := NewCoordinator(hooked, testRateCard(t), observability.NewMockMetricsRegistry(), zap.NewNop(), 2880, 10080, WithClock(clock.Now))
	ctx := context.Background()

	res, err := c.Reserve(ctx, &ReserveRequest{
		EventID: 1, BannerType: models.BannerHero, Title: "t", ImageURL: "i",
		Items: []models.SlotItem{
			{Date: "2025-04-10", Priority: 1},
			{Date: "2025-04-11", Priority: 1},
		},
		LockMinutes: 1,
	})
	require.NoError(t, err)

	// The deadline lapses between the first and second finalization.
	calls := 0
	hooked.before = func(models.SlotKey) {
		calls++
		if calls == 2 {
			clock.Advance(2 * time.Minute)
		}
	}

	_, err = c.Confirm(ctx, res.ApplicationID)
	require.Error(t, err)
	assert.True(t, IsExpiry(err))

	// Neither slot may be left SOLD: the one already finalized is walked
	// back so the whole set stays under the hold's TTL.
	for _, date := range []string{"2025-04-10", "2025-04-11"} {
		slot, err := store.GetSlot(ctx, models.SlotKey{BannerType: models.BannerHero, Date: date, Priority: 1})
		require.NoError(t, err)
		require.NotNil(t, slot)
		assert.Equal(t, models.SlotLocked, slot.Status, "slot %s must not stay sold", date)
	}
	app, err := store.GetApplication(ctx, res.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationHeld, app.Status)

	// The reaper then collects the whole application in one pass.
	reaper := NewReaper(hooked, nil, observability.NewMockMetricsRegistry(), zap.NewNop(), time.Minute, 100, 30*time.Second, "test-1")
	reaper.SetClock(clock.Now)
	n, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	app, err = store.GetApplication(ctx, res.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationExpired, app.Status)
}

// guardBypass disables the pre-insert duplicate check, simulating two
// submissions racing past it at once.
type guardBypass struct {
	*models.InMemoryStore
}

func (g *guardBypass) HasActiveApplication(context.Context, int, models.BannerType) (bool, error) {
	return false, nil
}

func TestReserve_DuplicateApplicationRace(t *testing.T) {
	store := models.NewInMemoryStore()
	c := NewCoordinator(&guardBypass{InMemoryStore: store}, testRateCard(t), observability.NewMockMetricsRegistry(), zap.NewNop(), 2880, 10080)
	ctx := context.Background()

	_, err := c.Reserve(ctx, heroRequest(5, models.SlotItem{Date: "2025-03-01", Priority: 1}))
	require.NoError(t, err)

	// Same event, different slot: the ledger's own uniqueness rule must
	// catch what the bypassed check let through, and the lock taken for
	// the losing submission must be rolled back.
	_, err = c.Reserve(ctx, heroRequest(5, models.SlotItem{Date: "2025-03-02", Priority: 1}))
	require.Error(t, err)
	require.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "already has an application")

	slot, err := store.GetSlot(ctx, models.SlotKey{BannerType: models.BannerHero, Date: "2025-03-02", Priority: 1})
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, models.SlotAvailable, slot.Status)
}

func TestCancel(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	res, err := c.Reserve(ctx, heroRequest(1, models.SlotItem{Date: "2025-03-01", Priority: 2}))
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, res.ApplicationID))

	app, err := store.GetApplication(ctx, res.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationCanceled, app.Status)

	slot, err := store.GetSlot(ctx, models.SlotKey{BannerType: models.BannerHero, Date: "2025-03-01", Priority: 2})
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, models.SlotAvailable, slot.Status)

	// Idempotent on an already canceled application.
	require.NoError(t, c.Cancel(ctx, res.ApplicationID))

	// A sold application cannot be canceled.
	res2, err := c.Reserve(ctx, heroRequest(2, models.SlotItem{Date: "2025-03-05", Priority: 1}))
	require.NoError(t, err)
	_, err = c.Confirm(ctx, res2.ApplicationID)
	require.NoError(t, err)
	err = c.Cancel(ctx, res2.ApplicationID)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestReserve_AuditTrail(t *testing.T) {
	store := models.NewInMemoryStore()
	audit := analytics.NewMockAudit()
	c := NewCoordinator(store, testRateCard(t), observability.NewMockMetricsRegistry(), zap.NewNop(), 2880, 10080, WithAudit(audit))
	ctx := context.Background()

	item := models.SlotItem{Date: "2025-03-01", Priority: 1}
	res, err := c.Reserve(ctx, heroRequest(1, item))
	require.NoError(t, err)

	_, err = c.Reserve(ctx, heroRequest(2, item))
	require.Error(t, err)

	_, err = c.Confirm(ctx, res.ApplicationID)
	require.NoError(t, err)

	holds := audit.EventsOfType("hold")
	require.Len(t, holds, 1)
	assert.Equal(t, testLadder[0], int(holds[0].Amount))

	conflicts := audit.EventsOfType("conflict")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "2025-03-01", conflicts[0].SlotDate)
	assert.Equal(t, int32(1), conflicts[0].Priority)

	require.Len(t, audit.EventsOfType("sold"), 1)
}

func TestReserve_MutualExclusionUnderLoad(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	// Forty goroutines fight over the two SEARCH_TOP seats of one day.
	const attempts = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rank := i%2 + 1
			_, err := c.Reserve(ctx, &ReserveRequest{
				EventID: 1000 + i, BannerType: models.BannerSearchTop, Title: "t", ImageURL: "i",
				Items: []models.SlotItem{{Date: "2025-06-01", Priority: rank}},
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !IsConflict(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, winners, "the two-seat cap must hold")

	slots, err := store.ListSlots(ctx, models.BannerSearchTop, "2025-06-01", "2025-06-01")
	require.NoError(t, err)
	taken := 0
	for _, s := range slots {
		if s.Status == models.SlotLocked || s.Status == models.SlotSold {
			taken++
		}
	}
	assert.Equal(t, 2, taken)
}
