package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8788", cfg.Port)
	assert.Equal(t, "openadreserve", cfg.ServiceName)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, 2880, cfg.DefaultLockMinutes)
	assert.Equal(t, 10080, cfg.MaxLockMinutes)
	assert.Len(t, cfg.HeroPriceLadder, 10)
	assert.Equal(t, 500000, cfg.HeroPriceLadder[0])
	assert.Equal(t, 150000, cfg.SearchTopDailyRate)
	assert.Equal(t, 2*time.Minute, cfg.ReaperInterval)
	assert.Equal(t, 200, cfg.ReaperBatchSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("DEFAULT_LOCK_MINUTES", "60")
	t.Setenv("HERO_PRICE_LADDER", "100,90,80,70,60,50,40,30,20,10")
	t.Setenv("REAPER_INTERVAL", "30s")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, 60, cfg.DefaultLockMinutes)
	assert.Equal(t, []int{100, 90, 80, 70, 60, 50, 40, 30, 20, 10}, cfg.HeroPriceLadder)
	assert.Equal(t, 30*time.Second, cfg.ReaperInterval)
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("DEFAULT_LOCK_MINUTES", "soon")
	t.Setenv("DEV_MODE", "maybe")
	t.Setenv("HERO_PRICE_LADDER", "100,ninety,80")
	t.Setenv("REAPER_INTERVAL", "eventually")

	cfg := Load()

	assert.Equal(t, 2880, cfg.DefaultLockMinutes)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, 500000, cfg.HeroPriceLadder[0])
	assert.Equal(t, 2*time.Minute, cfg.ReaperInterval)
}

func TestEnvDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("REAPER_LOCK_TTL", "45")
	cfg := Load()
	assert.Equal(t, 45*time.Second, cfg.ReaperLockTTL)
}
