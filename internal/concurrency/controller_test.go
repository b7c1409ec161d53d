package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/models"
)

// fakeSnapshots serves a scripted sequence of utilization figures.
type fakeSnapshots struct {
	utils []float64
	idx   int
}

func (f *fakeSnapshots) Latest() (models.ResourceSnapshot, bool) {
	if f.idx >= len(f.utils) {
		return models.ResourceSnapshot{}, false
	}
	u := f.utils[f.idx]
	f.idx++
	return models.ResourceSnapshot{CPUPct: u, SampledAt: time.Now()}, true
}

func testResourceConfig() config.ResourceConfig {
	return config.ResourceConfig{
		ConcurrencyMode: "dynamic",
		StaticLimit:     4,
		MinLimit:        1,
		MaxLimit:        8,
		AdjustStep:      1,
		LowWaterMark:    50,
		HighWaterMark:   80,
	}
}

func TestAcquireHonorsLimit(t *testing.T) {
	cfg := testResourceConfig()
	cfg.ConcurrencyMode = "static"
	cfg.StaticLimit = 2
	c := NewController(cfg, nil, zap.NewNop())

	require.True(t, c.Acquire())
	require.True(t, c.Acquire())
	assert.False(t, c.Acquire(), "third acquire must fail at limit 2")
	assert.Equal(t, 2, c.Running())

	c.Release()
	assert.True(t, c.Acquire())
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	c := NewController(testResourceConfig(), nil, zap.NewNop())
	c.Release()
	assert.Equal(t, 0, c.Running())
}

func TestAdjustGrowsUnderLowLoad(t *testing.T) {
	src := &fakeSnapshots{utils: []float64{20, 20, 20}}
	c := NewController(testResourceConfig(), src, zap.NewNop())
	start := c.CurrentLimit()

	for i := 0; i < 3; i++ {
		c.Adjust()
	}
	assert.Equal(t, start+3, c.CurrentLimit())
}

func TestAdjustShrinksUnderHighLoad(t *testing.T) {
	src := &fakeSnapshots{utils: []float64{95, 95}}
	c := NewController(testResourceConfig(), src, zap.NewNop())
	start := c.CurrentLimit()

	c.Adjust()
	c.Adjust()
	assert.Equal(t, start-2, c.CurrentLimit())
}

func TestAdjustClampsToBounds(t *testing.T) {
	cfg := testResourceConfig()
	cfg.StaticLimit = cfg.MaxLimit
	src := &fakeSnapshots{utils: []float64{10, 10, 10, 10}}
	c := NewController(cfg, src, zap.NewNop())

	for i := 0; i < 4; i++ {
		c.Adjust()
	}
	assert.Equal(t, cfg.MaxLimit, c.CurrentLimit(), "limit never exceeds max")

	cfg.StaticLimit = cfg.MinLimit
	src = &fakeSnapshots{utils: []float64{99, 99, 99}}
	c = NewController(cfg, src, zap.NewNop())
	for i := 0; i < 3; i++ {
		c.Adjust()
	}
	assert.Equal(t, cfg.MinLimit, c.CurrentLimit(), "limit never drops below min")
}

func TestCurrentLimitWalksOneStepPerAdjust(t *testing.T) {
	// A big utilization swing moves the target immediately but the actual
	// limit only walks one step per interval.
	cfg := testResourceConfig()
	cfg.StaticLimit = 4
	src := &fakeSnapshots{utils: []float64{20, 95}}
	c := NewController(cfg, src, zap.NewNop())

	c.Adjust() // target 5, current 5
	require.Equal(t, 5, c.CurrentLimit())
	c.Adjust() // target back to 4, current 4
	assert.Equal(t, 4, c.CurrentLimit())
}

func TestNoSampleKeepsLimit(t *testing.T) {
	src := &fakeSnapshots{}
	c := NewController(testResourceConfig(), src, zap.NewNop())
	before := c.CurrentLimit()
	c.Adjust()
	assert.Equal(t, before, c.CurrentLimit())
}

func TestInvalidModeFallsBackToStatic(t *testing.T) {
	cfg := testResourceConfig()
	cfg.ConcurrencyMode = "turbo"
	c := NewController(cfg, nil, zap.NewNop())
	snap := c.Snapshot()
	assert.Equal(t, models.ConcurrencyStatic, snap.Mode)
}
