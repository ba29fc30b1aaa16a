package logic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/analytics"
	"github.com/patrickwarner/openadreserve/internal/db"
	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

// Coordinator performs atomic, all-or-nothing acquisition of a slot set.
// Keys are locked in a fixed (date, priority) order, which bounds the worst
// case between competing requests to "retry later" instead of deadlock, and
// every partially acquired set is rolled back on the first failure.
type Coordinator struct {
	store    models.ReservationStore
	rates    *RateCard
	audit    analytics.AuditService
	counters *db.RedisStore
	logger   *zap.Logger
	metrics  observability.MetricsRegistry

	defaultLockMinutes int
	maxLockMinutes     int

	now func() time.Time
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithAudit attaches an audit event sink.
func WithAudit(a analytics.AuditService) CoordinatorOption {
	return func(c *Coordinator) { c.audit = a }
}

// WithCounters attaches the Redis daily hold/conflict counters.
func WithCounters(rs *db.RedisStore) CoordinatorOption {
	return func(c *Coordinator) { c.counters = rs }
}

// WithClock overrides the coordinator's time source. Testing only.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(store models.ReservationStore, rates *RateCard, metrics observability.MetricsRegistry, logger *zap.Logger, defaultLockMinutes, maxLockMinutes int, opts ...CoordinatorOption) *Coordinator {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		store:              store,
		rates:              rates,
		logger:             logger,
		metrics:            metrics,
		defaultLockMinutes: defaultLockMinutes,
		maxLockMinutes:     maxLockMinutes,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReserveRequest is one submission: a slot set plus creative metadata.
type ReserveRequest struct {
	EventID     int               `json:"eventId"`
	BannerType  models.BannerType `json:"bannerType"`
	Title       string            `json:"title"`
	ImageURL    string            `json:"imageUrl"`
	LinkURL     string            `json:"linkUrl,omitempty"`
	Items       []models.SlotItem `json:"items"`
	LockMinutes int               `json:"lockMinutes,omitempty"`
}

// ReserveResult confirms a successful acquisition.
type ReserveResult struct {
	ApplicationID int       `json:"applicationId"`
	TotalAmount   int       `json:"totalAmount"`
	LockedUntil   time.Time `json:"lockedUntil"`
}

func (c *Coordinator) validate(req *ReserveRequest) error {
	if req.EventID <= 0 {
		return &ValidationError{Reason: "eventId is required"}
	}
	if _, err := models.ParseBannerType(string(req.BannerType)); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if req.Title == "" {
		return &ValidationError{Reason: "title is required"}
	}
	if req.ImageURL == "" {
		return &ValidationError{Reason: "imageUrl is required"}
	}
	if len(req.Items) == 0 {
		return &ValidationError{Reason: "items must not be empty"}
	}
	if req.LockMinutes < 0 || req.LockMinutes > c.maxLockMinutes {
		return &ValidationError{Reason: fmt.Sprintf("lockMinutes must be between 0 and %d", c.maxLockMinutes)}
	}
	seen := make(map[models.SlotKey]bool, len(req.Items))
	for _, it := range req.Items {
		if _, err := models.ParseDate(it.Date); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
		if !req.BannerType.ValidPriority(it.Priority) {
			return &ValidationError{Reason: fmt.Sprintf("priority %d out of range 1..%d for %s", it.Priority, req.BannerType.MaxPriority(), req.BannerType)}
		}
		key := it.Key(req.BannerType)
		if seen[key] {
			return &ValidationError{Reason: fmt.Sprintf("duplicate slot %s priority %d", it.Date, it.Priority)}
		}
		seen[key] = true
	}
	return nil
}

// Reserve acquires every slot in the request or none at all. On success the
// application is recorded HELD with a lock deadline; on conflict the caller
// learns exactly which date/priority was taken.
func (c *Coordinator) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error) {
	start := c.now()

	if err := c.validate(req); err != nil {
		c.metrics.IncrementReservations("validation")
		return nil, err
	}

	active, err := c.store.HasActiveApplication(ctx, req.EventID, req.BannerType)
	if err != nil {
		c.metrics.IncrementReservations("error")
		return nil, fmt.Errorf("check active application: %w", err)
	}
	if active {
		c.metrics.IncrementReservations("conflict")
		return nil, &ConflictError{Reason: fmt.Sprintf("event %d already has an application for %s", req.EventID, req.BannerType)}
	}

	lockMinutes := req.LockMinutes
	if lockMinutes == 0 {
		lockMinutes = c.defaultLockMinutes
	}
	until := start.Add(time.Duration(lockMinutes) * time.Minute)
	holder := uuid.New()

	// Fixed total order over the requested keys. This is what keeps two
	// coordinators acquiring overlapping sets from deadlocking each other,
	// and makes rollback deterministic across retries.
	keys := make([]models.SlotKey, len(req.Items))
	for i, it := range req.Items {
		keys[i] = it.Key(req.BannerType)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	acquired := make([]models.SlotKey, 0, len(keys))
	for _, key := range keys {
		ok, err := c.store.CompareAndLock(ctx, key, holder, until)
		if err != nil {
			c.rollback(ctx, acquired, holder)
			c.metrics.IncrementReservations("error")
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if !ok {
			c.rollback(ctx, acquired, holder)
			c.metrics.IncrementReservations("conflict")
			c.countConflict(req.BannerType)
			c.recordEvent(ctx, "conflict", req.BannerType, key.Date, key.Priority, 0, req.EventID, 0)
			return nil, &ConflictError{Date: key.Date, Priority: key.Priority}
		}
		acquired = append(acquired, key)
	}

	total, err := c.rates.Total(req.BannerType, req.Items)
	if err != nil {
		c.rollback(ctx, acquired, holder)
		c.metrics.IncrementReservations("error")
		return nil, err
	}

	app := &models.Application{
		EventID:     req.EventID,
		BannerType:  req.BannerType,
		Title:       req.Title,
		ImageURL:    req.ImageURL,
		LinkURL:     req.LinkURL,
		Items:       req.Items,
		TotalAmount: total,
		Status:      models.ApplicationHeld,
		Holder:      holder,
		LockedUntil: until,
	}
	if err := c.store.InsertApplication(ctx, app); err != nil {
		c.rollback(ctx, acquired, holder)
		if errors.Is(err, models.ErrDuplicateApplication) {
			c.metrics.IncrementReservations("conflict")
			return nil, &ConflictError{Reason: fmt.Sprintf("event %d already has an application for %s", req.EventID, req.BannerType)}
		}
		c.metrics.IncrementReservations("error")
		return nil, fmt.Errorf("record application: %w", err)
	}

	c.metrics.IncrementReservations("held")
	c.metrics.IncrementSlotsLocked(string(req.BannerType), len(acquired))
	c.metrics.RecordReservationLatency(c.now().Sub(start))
	c.countHold(req.BannerType)
	c.recordEvent(ctx, "hold", req.BannerType, "", 0, app.ID, req.EventID, total)

	c.logger.Info("application held",
		zap.Int("application_id", app.ID),
		zap.Int("event_id", req.EventID),
		zap.String("banner_type", string(req.BannerType)),
		zap.Int("slots", len(acquired)),
		zap.Int("total_amount", total),
		zap.Time("locked_until", until))

	return &ReserveResult{ApplicationID: app.ID, TotalAmount: total, LockedUntil: until}, nil
}

// Confirm finalizes a HELD application into a sale after payment completes.
// An application whose hold has lapsed fails with the distinct expiry error:
// payment can no longer complete and a fresh application is required.
func (c *Coordinator) Confirm(ctx context.Context, appID int) (*models.Application, error) {
	app, err := c.store.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	switch app.Status {
	case models.ApplicationSold:
		return app, nil
	case models.ApplicationHeld:
	default:
		return nil, &ConflictError{Reason: fmt.Sprintf("application %d is %s", appID, app.Status)}
	}
	if !app.LockedUntil.After(c.now()) {
		return nil, models.ErrLockExpired
	}

	// All of the application's locks share one holder and one deadline, so
	// past the deadline check above they normally finalize together. A
	// failure partway (the deadline lapsing at the boundary, a storage
	// error) walks the keys already sold back to LOCKED, so the set stays
	// one unit under the hold's TTL instead of leaking SOLD slots nothing
	// owns.
	finalized := make([]models.SlotKey, 0, len(app.Items))
	for _, key := range sortedKeys(app) {
		if err := c.store.MarkSold(ctx, key, app.Holder); err != nil {
			c.revertSold(ctx, finalized, app)
			return nil, fmt.Errorf("finalize %s: %w", key, err)
		}
		finalized = append(finalized, key)
	}
	if err := c.store.UpdateApplicationStatus(ctx, appID, models.ApplicationHeld, models.ApplicationSold); err != nil {
		c.revertSold(ctx, finalized, app)
		return nil, fmt.Errorf("mark application sold: %w", err)
	}
	app.Status = models.ApplicationSold

	c.metrics.IncrementApplicationStatus("sold")
	c.recordEvent(ctx, "sold", app.BannerType, "", 0, app.ID, app.EventID, app.TotalAmount)
	c.logger.Info("application sold", zap.Int("application_id", appID))
	return app, nil
}

// Cancel withdraws a HELD application and returns its slots to availability.
// Canceling an already canceled or expired application is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, appID int) error {
	app, err := c.store.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	switch app.Status {
	case models.ApplicationCanceled, models.ApplicationExpired:
		return nil
	case models.ApplicationSold:
		return &ConflictError{Reason: fmt.Sprintf("application %d is already sold", appID)}
	}

	for _, key := range sortedKeys(app) {
		if err := c.store.Release(ctx, key, app.Holder); err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
	}
	if err := c.store.UpdateApplicationStatus(ctx, appID, models.ApplicationHeld, models.ApplicationCanceled); err != nil {
		return fmt.Errorf("mark application canceled: %w", err)
	}

	c.metrics.IncrementApplicationStatus("canceled")
	c.recordEvent(ctx, "canceled", app.BannerType, "", 0, app.ID, app.EventID, 0)
	c.logger.Info("application canceled", zap.Int("application_id", appID))
	return nil
}

// revertSold unwinds the keys a failed Confirm already finalized, restoring
// the application's original deadline. An already lapsed deadline is fine:
// the slot goes straight back under the reaper's TTL.
func (c *Coordinator) revertSold(ctx context.Context, finalized []models.SlotKey, app *models.Application) {
	for _, key := range finalized {
		if err := c.store.RevertSold(ctx, key, app.Holder, app.LockedUntil); err != nil {
			c.logger.Error("revert sold failed", zap.String("slot", key.String()), zap.Error(err))
		}
	}
}

// rollback releases every key acquired so far in this attempt. Release is
// conditional on the holder, so a concurrent relock cannot be clobbered.
func (c *Coordinator) rollback(ctx context.Context, acquired []models.SlotKey, holder uuid.UUID) {
	for _, key := range acquired {
		if err := c.store.Release(ctx, key, holder); err != nil {
			// The lock's TTL bounds the damage if the release itself fails;
			// the reaper will collect it.
			c.logger.Error("rollback release failed", zap.String("slot", key.String()), zap.Error(err))
		}
	}
}

func (c *Coordinator) countConflict(bt models.BannerType) {
	if c.counters == nil {
		return
	}
	if err := c.counters.IncrementConflict(string(bt)); err != nil {
		c.logger.Warn("conflict counter", zap.Error(err))
	}
}

func (c *Coordinator) countHold(bt models.BannerType) {
	if c.counters == nil {
		return
	}
	if err := c.counters.IncrementHold(string(bt)); err != nil {
		c.logger.Warn("hold counter", zap.Error(err))
	}
}

func (c *Coordinator) recordEvent(ctx context.Context, eventType string, bt models.BannerType, date string, priority, appID, eventID, amount int) {
	if c.audit == nil {
		return
	}
	ev := analytics.SlotEvent{
		EventType:     eventType,
		BannerType:    string(bt),
		SlotDate:      date,
		Priority:      int32(priority),
		ApplicationID: int32(appID),
		EventID:       int32(eventID),
		Amount:        int64(amount),
	}
	if err := c.audit.RecordSlotEvent(ctx, ev); err != nil && err != analytics.ErrUnavailable {
		c.logger.Warn("audit event", zap.String("type", eventType), zap.Error(err))
	}
}

func sortedKeys(app *models.Application) []models.SlotKey {
	keys := app.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
