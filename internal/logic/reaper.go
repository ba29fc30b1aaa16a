package logic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/db"
	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

// Reaper releases holds whose deadline has elapsed, returning their slots to
// availability and marking the owning applications EXPIRED. It is the
// guarantee that expiry happens even absent new traffic; CompareAndLock's
// own expiry check is only opportunistic. Every step is idempotent, so
// overlapping runs under clock skew or restart are safe.
type Reaper struct {
	store      models.ReservationStore
	redis      *db.RedisStore
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
	interval   time.Duration
	batchSize  int
	leaseTTL   time.Duration
	instanceID string

	now func() time.Time
}

// NewReaper constructs a Reaper. redis may be nil, in which case no leader
// lease is taken (single-instance deployments and tests).
func NewReaper(store models.ReservationStore, redis *db.RedisStore, metrics observability.MetricsRegistry, logger *zap.Logger, interval time.Duration, batchSize int, leaseTTL time.Duration, instanceID string) *Reaper {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:      store,
		redis:      redis,
		logger:     logger,
		metrics:    metrics,
		interval:   interval,
		batchSize:  batchSize,
		leaseTTL:   leaseTTL,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// SetClock overrides the reaper's time source. Testing only.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Run executes RunOnce on a fixed interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reaper run", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("expired holds released", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce processes one bounded batch of expired locks and returns how many
// it released. When another instance holds the leader lease it does nothing.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	if r.redis != nil {
		ok, err := r.redis.AcquireReaperLease(r.instanceID, r.leaseTTL)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := r.redis.ReleaseReaperLease(r.instanceID); err != nil {
				r.logger.Warn("release reaper lease", zap.Error(err))
			}
		}()
	}

	expired, err := r.store.ListExpiredLocks(ctx, r.now(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired locks: %w", err)
	}
	r.metrics.SetReaperBatchSize(len(expired))

	released := 0
	for _, slot := range expired {
		// Release is conditional on the holder: a slot relocked between the
		// scan and this call is left alone.
		if err := r.store.Release(ctx, slot.Key(), slot.Holder); err != nil {
			r.logger.Error("release expired hold", zap.String("slot", slot.Key().String()), zap.Error(err))
			continue
		}
		if err := r.store.ExpireByHolder(ctx, slot.Holder); err != nil {
			r.logger.Error("expire application", zap.String("holder", slot.Holder.String()), zap.Error(err))
			continue
		}
		released++
	}
	if released > 0 {
		r.metrics.IncrementLocksExpired(released)
		r.metrics.IncrementApplicationStatus("expired")
	}
	return released, nil
}
