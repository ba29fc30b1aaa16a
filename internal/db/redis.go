package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

const reaperLeaseKey = "reaper:leader"

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// AcquireReaperLease takes the reaper leader lock for instanceID. Returns
// false when another instance currently holds it. The TTL bounds how long a
// crashed leader can stall expiry collection.
func (r *RedisStore) AcquireReaperLease(instanceID string, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(r.Ctx, reaperLeaseKey, instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire reaper lease: %w", err)
	}
	return ok, nil
}

// ReleaseReaperLease drops the leader lock if this instance still owns it.
func (r *RedisStore) ReleaseReaperLease(instanceID string) error {
	val, err := r.Client.Get(r.Ctx, reaperLeaseKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reaper lease: %w", err)
	}
	if val != instanceID {
		return nil
	}
	if err := r.Client.Del(r.Ctx, reaperLeaseKey).Err(); err != nil {
		return fmt.Errorf("release reaper lease: %w", err)
	}
	return nil
}

// IncrementConflict increments the daily conflict counter for a banner type.
// A 7 day TTL is applied on first set.
func (r *RedisStore) IncrementConflict(bannerType string) error {
	key := fmt.Sprintf("conflicts:%s:%s", bannerType, time.Now().Format("2006-01-02"))
	val, err := r.Client.Incr(r.Ctx, key).Result()
	if err != nil {
		return err
	}
	if val == 1 {
		r.Client.Expire(r.Ctx, key, 7*24*time.Hour)
	}
	return nil
}

// IncrementHold increments the daily counter of successful holds.
// A 7 day TTL is applied on first set.
func (r *RedisStore) IncrementHold(bannerType string) error {
	key := fmt.Sprintf("holds:%s:%s", bannerType, time.Now().Format("2006-01-02"))
	val, err := r.Client.Incr(r.Ctx, key).Result()
	if err != nil {
		return err
	}
	if val == 1 {
		r.Client.Expire(r.Ctx, key, 7*24*time.Hour)
	}
	return nil
}

// GetDailyCounts returns the hold and conflict counts for a banner type on
// the given day.
func (r *RedisStore) GetDailyCounts(bannerType, day string) (int64, int64) {
	holds, _ := r.Client.Get(r.Ctx, fmt.Sprintf("holds:%s:%s", bannerType, day)).Int64()
	conflicts, _ := r.Client.Get(r.Ctx, fmt.Sprintf("conflicts:%s:%s", bannerType, day)).Int64()
	return holds, conflicts
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
